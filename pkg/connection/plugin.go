package connection

import (
	"fmt"
)

// Frame is one message unit flowing through the plugin pipeline, either
// a JSON object (Data) or, when Binary is set, an opaque byte payload —
// spec.md §4.4: "an ordered, reliable, in-order message channel of
// either text or binary frames."
type Frame struct {
	Type   string
	Data   map[string]interface{}
	Binary []byte
}

// Plugin transforms frames flowing through a Connection. Plugins run in
// registration order on incoming frames and in reverse order on outgoing
// frames; any plugin may consume a frame, stopping the pipeline.
type Plugin interface {
	// Attach is called once when the plugin is registered via
	// Connection.Use, giving it an injection handle to emit its own
	// events later.
	Attach(c *Connection)

	// HandleIncoming transforms an incoming frame. Returning consumed=true
	// stops the pipeline; the (possibly nil) frame is discarded.
	HandleIncoming(f Frame) (out Frame, consumed bool)

	// HandleOutgoing transforms an outgoing frame the same way, run in
	// reverse pipeline order.
	HandleOutgoing(f Frame) (out Frame, consumed bool)

	// Close lets the plugin flush or tear down state when the connection
	// closes gracefully.
	Close() error
}

// BasePlugin is embedded by concrete plugins so they only need to
// override the hooks they care about.
type BasePlugin struct {
	Conn *Connection
}

func (p *BasePlugin) Attach(c *Connection)                 { p.Conn = c }
func (p *BasePlugin) HandleIncoming(f Frame) (Frame, bool) { return f, false }
func (p *BasePlugin) HandleOutgoing(f Frame) (Frame, bool) { return f, false }
func (p *BasePlugin) Close() error                         { return nil }

// Dispatch runs an incoming raw frame through the pipeline in
// registration order. Each plugin may transform or consume it.
func (c *Connection) Dispatch(f Frame) {
	c.mu.Lock()
	plugins := append([]Plugin(nil), c.plugins...)
	c.mu.Unlock()

	cur := f
	for _, p := range plugins {
		out, consumed := p.HandleIncoming(cur)
		if consumed {
			return
		}
		cur = out
	}
}

// Send runs an outgoing frame through the pipeline in reverse
// registration order, the Transport plugin (registered first) running
// last so it is always the one that actually writes bytes.
func (c *Connection) Send(f Frame) error {
	c.mu.Lock()
	plugins := append([]Plugin(nil), c.plugins...)
	c.mu.Unlock()

	cur := f
	for i := len(plugins) - 1; i >= 0; i-- {
		out, consumed := plugins[i].HandleOutgoing(cur)
		if consumed {
			return nil
		}
		cur = out
	}
	return fmt.Errorf("connection %s: no transport plugin consumed outgoing frame", c.ID)
}
