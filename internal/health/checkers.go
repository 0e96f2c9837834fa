package health

import (
	"context"
	"errors"

	"github.com/taskweave/taskweave/internal/events"
)

// Pinger is satisfied by stores and clients with a context-aware ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes any Pinger (the persistent memory store, Redis).
func PingChecker(name string, p Pinger) Checker {
	return CheckerFunc(name, func(ctx context.Context) error {
		return p.Ping(ctx)
	})
}

// BusChecker reports unhealthy once the event bus has been closed.
func BusChecker(bus *events.Bus) Checker {
	return CheckerFunc("event_bus", func(context.Context) error {
		if bus.Closed() {
			return errors.New("event bus is closed")
		}
		return nil
	})
}
