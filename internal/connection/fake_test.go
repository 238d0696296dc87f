package connection

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rickgao/hasync/internal/model"
)

// fakeTransport implements Transport for state machine and manager tests.
type fakeTransport struct {
	name string

	mu        sync.Mutex
	listeners map[EventName]map[int]func()
	nextID    int
	closed    int
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:      name,
		listeners: make(map[EventName]map[int]func()),
	}
}

func (f *fakeTransport) SendRequest(ctx context.Context, msg Message) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

func (f *fakeTransport) FetchStates(ctx context.Context, ids []string) ([]model.EntityState, error) {
	return nil, nil
}

func (f *fakeTransport) SubscribeEntity(ctx context.Context, id string, fn func(model.EntityState)) (func() error, error) {
	return func() error { return nil }, nil
}

func (f *fakeTransport) CallService(ctx context.Context, call model.ServiceCall) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) AddListener(name EventName, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.listeners[name] == nil {
		f.listeners[name] = make(map[int]func())
	}
	f.listeners[name][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners[name], id)
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// Emit invokes every listener registered for name.
func (f *fakeTransport) Emit(name EventName) {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.listeners[name]))
	for _, fn := range f.listeners[name] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, set := range f.listeners {
		n += len(set)
	}
	return n
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
