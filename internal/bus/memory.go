package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hania222/warehouse-fleet/pkg/models"
)

// Record is one published message kept in MemoryBus history.
type Record struct {
	Topic string
	Data  []byte
}

// MemoryBus is a thread-safe in-process bus. Each subscription has its own
// buffered queue and delivery goroutine, so Publish never runs handlers
// inline; a full queue drops the message.
type MemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]*memSub
	history   []Record
	maxHist   int
	nextID    int
	closed    bool
	connected atomic.Bool
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memSub struct {
	id int
	ch chan []byte
}

// NewMemoryBus returns a connected MemoryBus with a 1000-message history cap.
func NewMemoryBus() *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		subs:    make(map[string][]*memSub),
		maxHist: 1000,
		ctx:     ctx,
		cancel:  cancel,
	}
	b.connected.Store(true)
	return b
}

// Publish queues data for every current subscriber of topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, data []byte) error {
	if !b.connected.Load() {
		return ErrDisconnected
	}
	msg := append([]byte(nil), data...)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.history = append(b.history, Record{Topic: topic, Data: msg})
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	for _, s := range b.subs[topic] {
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("bus subscriber slow, message dropped", "topic", topic)
		}
	}
	return nil
}

// Subscribe starts a delivery goroutine for h on topic.
func (b *MemoryBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	s := &memSub{id: b.nextID, ch: make(chan []byte, models.DefaultSSEChannelBuffer)}
	b.subs[topic] = append(b.subs[topic], s)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for data := range s.ch {
			if b.ctx.Err() != nil {
				continue
			}
			h(b.ctx, data)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			entries := b.subs[topic]
			filtered := entries[:0]
			for _, e := range entries {
				if e.id != s.id {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = filtered
			}
			close(s.ch)
		})
	}, nil
}

// SetConnected simulates losing or regaining the broker.
func (b *MemoryBus) SetConnected(v bool) { b.connected.Store(v) }

// Connected reports whether Publish currently delivers.
func (b *MemoryBus) Connected() bool { return b.connected.Load() }

// Dropped returns how many deliveries were dropped on full queues.
func (b *MemoryBus) Dropped() int64 { return b.dropped.Load() }

// History returns up to limit most recent messages on topic in publish
// order. An empty topic matches every topic; limit <= 0 means all.
func (b *MemoryBus) History(topic string, limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Record
	for i := len(b.history) - 1; i >= 0; i-- {
		r := b.history[i]
		if topic != "" && r.Topic != topic {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// Close stops all delivery goroutines. Queued messages are discarded.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	for topic, entries := range b.subs {
		for _, s := range entries {
			close(s.ch)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	b.wg.Wait()
	b.connected.Store(false)
	return nil
}
