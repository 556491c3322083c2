package proto

import "github.com/google/uuid"

// ControlPort is the well-known TCP port for control connections.
const ControlPort = 7835

// ClientMessageType tags messages sent by the client.
type ClientMessageType string

const (
	ClientAuthenticate ClientMessageType = "authenticate"
	ClientHello        ClientMessageType = "hello"
	ClientAccept       ClientMessageType = "accept"
)

// ClientMessage is any client -> server message.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`
	// Tag is the hex encoded challenge response (authenticate).
	Tag string `json:"tag,omitempty"`
	// Port is the requested tunnel port, 0 for any (hello).
	Port uint16 `json:"port,omitempty"`
	// ID names a pending visitor connection (accept).
	ID uuid.UUID `json:"id,omitzero"`
}

func Authenticate(tag string) ClientMessage { return ClientMessage{Type: ClientAuthenticate, Tag: tag} }
func Hello(port uint16) ClientMessage       { return ClientMessage{Type: ClientHello, Port: port} }
func Accept(id uuid.UUID) ClientMessage     { return ClientMessage{Type: ClientAccept, ID: id} }

// ServerMessageType tags messages sent by the server.
type ServerMessageType string

const (
	ServerChallenge  ServerMessageType = "challenge"
	ServerHello      ServerMessageType = "hello"
	ServerHeartbeat  ServerMessageType = "heartbeat"
	ServerConnection ServerMessageType = "connection"
	ServerError      ServerMessageType = "error"
)

// ServerMessage is any server -> client message.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`
	// Port is the assigned tunnel port (hello).
	Port uint16 `json:"port,omitempty"`
	// ID is the authentication challenge or a pending connection id.
	ID uuid.UUID `json:"id,omitzero"`
	// Message is a human readable failure (error).
	Message string `json:"message,omitempty"`
}

func Challenge(id uuid.UUID) ServerMessage  { return ServerMessage{Type: ServerChallenge, ID: id} }
func Assigned(port uint16) ServerMessage    { return ServerMessage{Type: ServerHello, Port: port} }
func Heartbeat() ServerMessage              { return ServerMessage{Type: ServerHeartbeat} }
func Connection(id uuid.UUID) ServerMessage { return ServerMessage{Type: ServerConnection, ID: id} }
func Error(msg string) ServerMessage        { return ServerMessage{Type: ServerError, Message: msg} }
