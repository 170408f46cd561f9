// Package presence publishes session online/offline transitions for consumers
// outside the relay process.
package presence

import (
	"context"
	"fmt"
	"time"

	"chatrelay/config"

	"go.uber.org/zap"
)

type Kind string

const (
	Online  Kind = "online"
	Offline Kind = "offline"
)

// Event is the payload published for every transition.
type Event struct {
	Kind  Kind      `json:"kind"`
	Login string    `json:"login"`
	At    time.Time `json:"at"`
}

// Publisher receives session transitions in the order they happened, from a
// single goroutine. Each call is bounded by a context deadline.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	// Online lists the logins currently marked online.
	Online(ctx context.Context) ([]string, error)
	Close() error
}

// Nop discards every event.
type Nop struct{}

var _ Publisher = Nop{}

func (Nop) Publish(context.Context, Event) error     { return nil }
func (Nop) Online(context.Context) ([]string, error) { return nil, nil }
func (Nop) Close() error                             { return nil }

// New creates the publisher selected by cfg.Type.
func New(logger *zap.Logger, cfg config.PresenceConfig) (Publisher, error) {
	logger.Info("initializing presence publisher", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "", "none":
		return Nop{}, nil
	case "redis":
		return NewRedis(logger, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported presence type: %s", cfg.Type)
	}
}
