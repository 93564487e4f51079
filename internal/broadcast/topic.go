// Package broadcast fans periodic snapshots out to websocket subscribers.
//
// A Topic polls its producer on a fixed interval and sends each result to
// every subscriber. The polling loop runs only while the topic has
// subscribers: the first Subscribe starts it and the last unsubscribe stops
// its ticker and waits for it to exit.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// SendBuffer is the number of messages queued per subscriber. A subscriber
// that falls this far behind misses messages.
const SendBuffer = 16

// Producer returns the value to publish on one tick.
type Producer func(ctx context.Context) (any, error)

// Subscriber receives a topic's messages on C until it unsubscribes.
type Subscriber struct {
	C    <-chan []byte
	send chan []byte
}

// Topic is a named, ref-counted polling loop.
type Topic struct {
	name     string
	interval time.Duration
	produce  Producer
	base     context.Context

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTopic returns an idle topic. Its loop stops for good once base is done.
func NewTopic(base context.Context, name string, interval time.Duration, produce Producer) *Topic {
	return &Topic{
		name:     name,
		interval: interval,
		produce:  produce,
		base:     base,
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a subscriber and starts the loop if it was idle. The
// returned func unsubscribes; it is safe to call more than once.
func (t *Topic) Subscribe() (*Subscriber, func()) {
	ch := make(chan []byte, SendBuffer)
	s := &Subscriber{C: ch, send: ch}

	t.mu.Lock()
	t.subs[s] = struct{}{}
	if t.done == nil && t.base.Err() == nil {
		ctx, cancel := context.WithCancel(t.base)
		t.cancel, t.done = cancel, make(chan struct{})
		go t.run(ctx, t.done)
		slog.Debug("broadcast loop started", "topic", t.name)
	}
	t.mu.Unlock()

	var once sync.Once
	return s, func() { once.Do(func() { t.unsubscribe(s) }) }
}

func (t *Topic) unsubscribe(s *Subscriber) {
	t.mu.Lock()
	delete(t.subs, s)
	close(s.send)
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	if len(t.subs) == 0 && t.done != nil {
		cancel, done = t.cancel, t.done
		t.cancel, t.done = nil, nil
	}
	t.mu.Unlock()

	if done != nil {
		cancel()
		<-done
		slog.Debug("broadcast loop stopped", "topic", t.name)
	}
}

// Subscribers returns the current subscriber count.
func (t *Topic) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Running reports whether the polling loop is active.
func (t *Topic) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done != nil
}

func (t *Topic) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Topic) tick(ctx context.Context) {
	v, err := t.produce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "broadcast producer failed", "topic", t.name, "error", err)
		}
		return
	}
	msg, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "broadcast marshal", "topic", t.name, "error", err)
		return
	}
	t.Publish(msg)
}

// Publish sends msg to every subscriber, dropping it for those whose buffer is full.
func (t *Topic) Publish(msg []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		select {
		case s.send <- msg:
		default:
		}
	}
}
