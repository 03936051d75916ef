package moveit_sim

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// MemoryBus is an in-process Bus. Subscribers are invoked synchronously on the
// publishing goroutine. Used for tests and for running without a bridge.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]func([]byte)
	services    map[string]func(ctx context.Context, req []byte) (any, error)
	published   map[string][][]byte
	calls       map[string][][]byte
	nextID      int
	connErr     atomic.Bool
	closed      atomic.Bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]map[int]func([]byte)),
		services:    make(map[string]func(ctx context.Context, req []byte) (any, error)),
		published:   make(map[string][][]byte),
		calls:       make(map[string][][]byte),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, msg any) error {
	if b.closed.Load() {
		return errors.New("bus closed")
	}
	if b.connErr.Load() {
		return ErrConnection
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encoding message for %s", topic)
	}

	b.mu.Lock()
	b.published[topic] = append(b.published[topic], payload)
	handlers := make([]func([]byte), 0, len(b.subscribers[topic]))
	for _, h := range b.subscribers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler func(payload []byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[int]func([]byte))
	}
	id := b.nextID
	b.nextID++
	b.subscribers[topic][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[topic], id)
	}, nil
}

func (b *MemoryBus) Call(ctx context.Context, service string, req any) ([]byte, error) {
	if b.connErr.Load() {
		return nil, ErrConnection
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding request for %s", service)
	}

	b.mu.Lock()
	b.calls[service] = append(b.calls[service], payload)
	handler, ok := b.services[service]
	b.mu.Unlock()

	if !ok {
		return nil, errors.Errorf("no handler for service %s", service)
	}
	resp, err := handler(ctx, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (b *MemoryBus) HasConnectionError() bool {
	return b.connErr.Load()
}

// SetConnectionError toggles the simulated transport failure.
func (b *MemoryBus) SetConnectionError(failed bool) {
	b.connErr.Store(failed)
}

func (b *MemoryBus) Close() error {
	b.closed.Store(true)
	return nil
}

// HandleService installs a raw service handler, replacing any previous one.
func (b *MemoryBus) HandleService(service string, handler func(ctx context.Context, req []byte) (any, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services[service] = handler
}

// HandleServiceFunc installs a typed service handler.
func HandleServiceFunc[TReq any, TResp any](b *MemoryBus, service string, handler func(ctx context.Context, req TReq) (TResp, error)) {
	b.HandleService(service, func(ctx context.Context, raw []byte) (any, error) {
		var req TReq
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.Wrapf(err, "decoding %s request", service)
		}
		return handler(ctx, req)
	})
}

// Published returns copies of every payload published on topic.
func (b *MemoryBus) Published(topic string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([][]byte(nil), b.published[topic]...)
}

// Calls returns copies of every request made to service.
func (b *MemoryBus) Calls(service string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([][]byte(nil), b.calls[service]...)
}

// DecodeLast decodes the most recent payload into out. It reports false when
// nothing was recorded.
func DecodeLast(payloads [][]byte, out any) bool {
	if len(payloads) == 0 {
		return false
	}
	return json.Unmarshal(payloads[len(payloads)-1], out) == nil
}
