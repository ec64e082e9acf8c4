package redisstore

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// Publish marshals the payload and publishes it on a channel.
func (s *Store) Publish(ctx domain.Context, channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=redisstore.Publish: %w", err)
	}
	if err := s.rdb.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Publish: %w: %v", domain.ErrStateStore, err)
	}
	return nil
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
}

func (s *subscription) C() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	close(s.done)
	return s.ps.Close()
}

// Subscribe opens a fresh subscriber on one channel. The returned
// subscription must be closed on every exit path.
func (s *Store) Subscribe(ctx domain.Context, channel string) (domain.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so a publish
	// racing this call is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("op=redisstore.Subscribe: %w: %v", domain.ErrStateStore, err)
	}
	sub := &subscription{ps: ps, ch: make(chan []byte, 16), done: make(chan struct{})}
	go func() {
		defer close(sub.ch)
		for {
			select {
			case msg, ok := <-ps.Channel():
				if !ok {
					return
				}
				select {
				case sub.ch <- []byte(msg.Payload):
				case <-sub.done:
					return
				}
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}
