// Package commsutil provides NATS connection helpers shared by the
// transport layer and the integration tests.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// Connect creates a NATS connection to the given URL. Reconnect handling
// is wired up front so a broker restart does not take the transport down
// with it.
func Connect(url, name string) (*nats.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to NATS at %s as %s", logPrefix, url, name))

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - NATS disconnected: %v", logPrefix, err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}

// Drain flushes pending messages and closes the connection. Replies to
// requests already read stay deliverable during the drain window.
func Drain(nc *nats.Conn) error {
	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("%s - drain: %w", logPrefix, err)
	}
	return nil
}
