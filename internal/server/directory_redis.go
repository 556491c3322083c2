package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sc0rp10/bore/internal/obs"
)

const redisOpTimeout = 2 * time.Second

// redisDirectory mirrors live tunnels into redis so external tooling can list
// them. Local state stays authoritative; redis write failures are only logged.
type redisDirectory struct {
	*memoryDirectory
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	refresh    time.Duration

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ TunnelDirectory = (*redisDirectory)(nil)

func newRedisDirectory(addr, password string, db int) (*redisDirectory, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	d := &redisDirectory{
		memoryDirectory: newMemoryDirectory(),
		client:          rdb,
		instanceID:      fmt.Sprintf("bore-%d", time.Now().UnixNano()),
		keyTTL:          time.Minute,
		refresh:         20 * time.Second,
		stop:            make(chan struct{}),
	}
	d.wg.Add(1)
	go d.maintain()
	return d, nil
}

func (d *redisDirectory) key(id string) string {
	return "bore:tunnel:" + d.instanceID + ":" + id
}

func (d *redisDirectory) Announce(ctx context.Context, info TunnelInfo) {
	d.memoryDirectory.Announce(ctx, info)
	d.write(ctx, info)
}

func (d *redisDirectory) Withdraw(ctx context.Context, id string) {
	d.memoryDirectory.Withdraw(ctx, id)
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := d.client.Del(ctx, d.key(id)).Err(); err != nil {
		obs.Error("redis.withdraw", obs.Fields{"err": err.Error(), "id": id})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

func (d *redisDirectory) write(ctx context.Context, info TunnelInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		obs.Error("redis.marshal", obs.Fields{"err": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := d.client.Set(ctx, d.key(info.ID), data, d.keyTTL).Err(); err != nil {
		obs.Error("redis.announce", obs.Fields{"err": err.Error(), "port": info.Port})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

// maintain periodically rewrites every local tunnel so keys of a crashed
// instance age out while live ones do not.
func (d *redisDirectory) maintain() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.heartbeat()
		}
	}
}

func (d *redisDirectory) heartbeat() {
	for _, info := range d.List() {
		d.write(context.Background(), info)
	}
}

func (d *redisDirectory) Close() error {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	for _, info := range d.List() {
		_ = d.client.Del(ctx, d.key(info.ID)).Err()
	}
	return d.client.Close()
}

// NewTunnelDirectory returns a redis-mirrored directory when redisAddr is set,
// otherwise an in-memory one.
func NewTunnelDirectory(redisAddr, redisPassword string, redisDB int) (TunnelDirectory, error) {
	if redisAddr == "" {
		obs.Info("directory.backend", obs.Fields{"type": "in-memory"})
		return newMemoryDirectory(), nil
	}
	obs.Info("directory.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisDirectory(redisAddr, redisPassword, redisDB)
}
