// Package natsbus publishes room membership events to NATS for consumers
// outside the sync engine (analytics, room directories).
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const DefaultSubjectPrefix = "sketchsync.rooms"

// Publisher implements core.MembershipRecorder on core NATS. Delivery is
// at-most-once, matching the best-effort contract of membership events.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

func Connect(url, prefix string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("sketchsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "natsbus").Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("module", "natsbus").Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	return New(conn, prefix), nil
}

func New(conn *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject is where events for room are published. Dots in room ids would
// split the subject into extra tokens, so they are replaced.
func (p *Publisher) Subject(room domain.RoomID) string {
	return p.prefix + "." + strings.ReplaceAll(string(room), ".", "_") + ".membership"
}

func (p *Publisher) RecordMembershipEvent(ctx context.Context, ev domain.MembershipEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode membership event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.RoomID), data); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
