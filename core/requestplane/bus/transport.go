package bus

import (
	"encoding/json"
	"fmt"
	"log"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	_ "go.nanomsg.org/mangos/v3/transport/all" // Import all transports
)

// Transport fans published envelopes out to external subscribers over a
// mangos PUB socket. Delivery is fire-and-forget: the streams stay the
// durable record, the socket is a live tap.
type Transport struct {
	addr   string
	socket mangos.Socket
	logger *log.Logger
}

// NewTransport creates the PUB transport. An empty address disables it.
func NewTransport(addr string) (*Transport, error) {
	if addr == "" {
		return nil, nil
	}

	socket, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}

	return &Transport{
		addr:   addr,
		socket: socket,
		logger: log.Default(),
	}, nil
}

// Start binds the socket
func (t *Transport) Start() error {
	if err := t.socket.Listen(t.addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.addr, err)
	}
	t.logger.Printf("[Bus] Transport publishing on %s", t.addr)
	return nil
}

// Stop closes the socket
func (t *Transport) Stop() error {
	return t.socket.Close()
}

// Broadcast sends an envelope on its subject topic. Errors are logged,
// never propagated: external fan-out must not affect publishing.
func (t *Transport) Broadcast(env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		t.logger.Printf("[Bus] Failed to marshal envelope %s: %v", env.EventID, err)
		return
	}

	// Topic-prefixed framing so SUB sockets can filter by subject
	frame := append([]byte(Subject(env.Kind, env.Priority)+" "), data...)
	if err := t.socket.Send(frame); err != nil {
		t.logger.Printf("[Bus] Broadcast failed for %s: %v", env.EventID, err)
	}
}
