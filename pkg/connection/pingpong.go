package connection

import (
	"sync"
	"time"
)

// PingPlugin sends a ping after pingInterval of outbound silence and
// closes the connection if no pong arrives within pingInterval+rtt —
// spec.md §4.4.
type PingPlugin struct {
	BasePlugin

	interval time.Duration
	rtt      time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	deadline *time.Timer
	stopped  bool
}

// NewPingPlugin creates a PingPlugin with the given interval and
// round-trip-time allowance.
func NewPingPlugin(interval, rtt time.Duration) *PingPlugin {
	return &PingPlugin{interval: interval, rtt: rtt}
}

func (p *PingPlugin) Attach(c *Connection) {
	p.BasePlugin.Attach(c)
	p.resetSilenceTimer()
}

func (p *PingPlugin) resetSilenceTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.interval, p.sendPing)
}

func (p *PingPlugin) sendPing() {
	_ = p.Conn.Send(Frame{Type: "message", Binary: []byte(`{"command":"ping"}`)})
	p.mu.Lock()
	if p.deadline != nil {
		p.deadline.Stop()
	}
	p.deadline = time.AfterFunc(p.interval+p.rtt, func() {
		p.Conn.Close()
	})
	p.mu.Unlock()
}

func (p *PingPlugin) HandleOutgoing(f Frame) (Frame, bool) {
	if f.Type == "message" {
		p.resetSilenceTimer()
	}
	return f, false
}

func (p *PingPlugin) HandleIncoming(f Frame) (Frame, bool) {
	if f.Type == "message" && string(f.Binary) == `{"command":"pong"}` {
		p.mu.Lock()
		if p.deadline != nil {
			p.deadline.Stop()
		}
		p.mu.Unlock()
		return f, true
	}
	return f, false
}

func (p *PingPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.deadline != nil {
		p.deadline.Stop()
	}
	return nil
}

// PongPlugin replies to an incoming ping and closes the connection if no
// ping arrives within pingInterval+2*rtt — spec.md §4.4.
type PongPlugin struct {
	BasePlugin

	interval time.Duration
	rtt      time.Duration

	mu       sync.Mutex
	deadline *time.Timer
	stopped  bool
}

// NewPongPlugin creates a PongPlugin with the given interval and
// round-trip-time allowance.
func NewPongPlugin(interval, rtt time.Duration) *PongPlugin {
	return &PongPlugin{interval: interval, rtt: rtt}
}

func (p *PongPlugin) Attach(c *Connection) {
	p.BasePlugin.Attach(c)
	p.resetDeadline()
}

func (p *PongPlugin) resetDeadline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.deadline != nil {
		p.deadline.Stop()
	}
	p.deadline = time.AfterFunc(p.interval+2*p.rtt, func() {
		p.Conn.Close()
	})
}

func (p *PongPlugin) HandleIncoming(f Frame) (Frame, bool) {
	if f.Type == "message" && string(f.Binary) == `{"command":"ping"}` {
		p.resetDeadline()
		_ = p.Conn.Send(Frame{Type: "message", Binary: []byte(`{"command":"pong"}`)})
		return f, true
	}
	return f, false
}

func (p *PongPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.deadline != nil {
		p.deadline.Stop()
	}
	return nil
}

var (
	_ Plugin = (*PingPlugin)(nil)
	_ Plugin = (*PongPlugin)(nil)
)
