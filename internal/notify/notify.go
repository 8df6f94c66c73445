// Package notify fans committed events out over Redis pub/sub. Delivery is
// at-most-once; subscribers that need every event tail the log instead.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/eventstore"
)

const (
	DefaultChannel = "interlock:events"
	publishTimeout = 2 * time.Second
)

// Channel is the pub/sub channel events of project are published on.
func Channel(prefix, project string) string {
	if prefix == "" {
		prefix = DefaultChannel
	}
	return prefix + ":" + project
}

type Publisher struct {
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger
}

// NewPublisher publishes to channels under prefix. The caller owns rdb.
func NewPublisher(rdb redis.UniversalClient, prefix string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultChannel
	}
	return &Publisher{rdb: rdb, prefix: prefix, log: log.With("component", "notify")}
}

// Publish sends ev as JSON to its project's channel.
func (p *Publisher) Publish(ctx context.Context, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Sequence, err)
	}
	if err := p.rdb.Publish(ctx, Channel(p.prefix, ev.ProjectKey), data).Err(); err != nil {
		return fmt.Errorf("publish event %d: %w", ev.Sequence, err)
	}
	return nil
}

// Observer publishes each committed batch from the appending goroutine.
// Failures are logged; the append has already committed.
func (p *Publisher) Observer() eventstore.Observer {
	return func(evs []core.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		for _, ev := range evs {
			if err := p.Publish(ctx, ev); err != nil {
				p.log.Warn("publish failed", "sequence", ev.Sequence, "type", ev.Type, "error", err)
			}
		}
	}
}

// Subscribe delivers events published for project to fn until ctx ends or
// fn returns an error. Undecodable messages are logged and skipped.
func Subscribe(ctx context.Context, rdb redis.UniversalClient, prefix, project string, fn func(core.Event) error) error {
	sub := rdb.Subscribe(ctx, Channel(prefix, project))
	defer sub.Close()
	// wait for the subscription to be confirmed so nothing published
	// after Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			var ev core.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Default().Warn("undecodable event on channel", "channel", msg.Channel, "error", err)
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}
