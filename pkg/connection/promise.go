package connection

import (
	"context"
	"fmt"
	"sync"
)

// PromisePlugin exposes one-shot await points for protocol flows —
// spec.md §4.4: "wait_for_message, wait_for_json_message_with_type(type)
// for protocol flows." It never consumes frames; it only observes them
// on the way through and lets other plugins keep seeing them.
type PromisePlugin struct {
	BasePlugin

	mu      sync.Mutex
	waiters []chan Frame
	typed   map[string][]chan Frame
}

// NewPromisePlugin creates an empty PromisePlugin.
func NewPromisePlugin() *PromisePlugin {
	return &PromisePlugin{typed: make(map[string][]chan Frame)}
}

func (p *PromisePlugin) HandleIncoming(f Frame) (Frame, bool) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	typedWaiters := p.typed[f.Type]
	delete(p.typed, f.Type)
	p.mu.Unlock()

	for _, w := range waiters {
		w <- f
	}
	for _, w := range typedWaiters {
		w <- f
	}
	return f, false
}

// WaitForMessage resolves with the next incoming frame of any type.
func (p *PromisePlugin) WaitForMessage(ctx context.Context) (Frame, error) {
	ch := make(chan Frame, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, fmt.Errorf("connection %s: wait for message: %w", p.Conn.ID, ctx.Err())
	}
}

// WaitForJSONMessageWithType resolves with the next incoming frame whose
// Type matches msgType.
func (p *PromisePlugin) WaitForJSONMessageWithType(ctx context.Context, msgType string) (Frame, error) {
	ch := make(chan Frame, 1)
	p.mu.Lock()
	p.typed[msgType] = append(p.typed[msgType], ch)
	p.mu.Unlock()

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, fmt.Errorf("connection %s: wait for %q: %w", p.Conn.ID, msgType, ctx.Err())
	}
}

var _ Plugin = (*PromisePlugin)(nil)
