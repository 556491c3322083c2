package server

import "time"

// Stats is a point-in-time view of the broker for dashboards and the API.
type Stats struct {
	Tunnels      []TunnelInfo `json:"tunnels"`
	Active       int          `json:"active"`
	Pending      int          `json:"pending"`
	TotalTunnels int64        `json:"total_tunnels"`
	Claimed      int64        `json:"claimed"`
	Expired      int64        `json:"expired"`
	Now          string       `json:"now"`
}

func (s *Server) Stats() Stats {
	tunnels := s.dir.List()
	return Stats{
		Tunnels:      tunnels,
		Active:       len(tunnels),
		Pending:      s.pending.Len(),
		TotalTunnels: s.tunnelsTotal.Load(),
		Claimed:      s.pending.Claimed(),
		Expired:      s.pending.Expired(),
		Now:          time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Tunnels": s.Tunnels,
		"Active":  s.Active,
		"Pending": s.Pending,
		"Total":   s.TotalTunnels,
		"Claimed": s.Claimed,
		"Expired": s.Expired,
	}
}
