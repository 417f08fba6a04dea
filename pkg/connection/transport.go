package connection

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
)

// wireMessage is the newline-delimited JSON frame actually written to the
// socket, grounded on the teacher's pkg/rpc/server.go bufio.Scanner
// line-framing idiom.
type wireMessage struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Binary []byte          `json:"binary,omitempty"`
}

// TransportPlugin binds a Connection to a real net.Conn. It is normally
// the first plugin registered, so on the outgoing (reverse) pipeline it
// runs last and is the one that actually writes bytes.
type TransportPlugin struct {
	BasePlugin
	conn net.Conn

	writeMu sync.Mutex
	scanner *bufio.Scanner
}

// NewTransportPlugin wraps conn. Start must be called once the owning
// Connection has had its pipeline fully assembled.
func NewTransportPlugin(conn net.Conn) *TransportPlugin {
	return &TransportPlugin{conn: conn}
}

// Start launches the read loop, dispatching each incoming frame into the
// connection's pipeline. It emits "opened" before reading and "closed"
// when the socket is gone.
func (t *TransportPlugin) Start() {
	t.Conn.Dispatch(Frame{Type: "opened"})
	t.Conn.Open()

	go func() {
		scanner := bufio.NewScanner(t.conn)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var wm wireMessage
			if err := json.Unmarshal(scanner.Bytes(), &wm); err != nil {
				continue
			}
			var data map[string]interface{}
			if len(wm.Data) > 0 {
				_ = json.Unmarshal(wm.Data, &data)
			}
			t.Conn.Dispatch(Frame{Type: wm.Type, Data: data, Binary: wm.Binary})
		}
		t.Conn.Dispatch(Frame{Type: "closed"})
		t.Conn.Terminate()
	}()
}

// HandleOutgoing serializes and writes frame bytes over the socket. It
// always consumes the frame since it is the terminal plugin for writes.
func (t *TransportPlugin) HandleOutgoing(f Frame) (Frame, bool) {
	if f.Type == "close" {
		_ = t.conn.Close()
		return f, true
	}

	var dataJSON json.RawMessage
	if f.Data != nil {
		b, err := json.Marshal(f.Data)
		if err == nil {
			dataJSON = b
		}
	}
	wm := wireMessage{Type: f.Type, Data: dataJSON, Binary: f.Binary}
	line, err := json.Marshal(wm)
	if err != nil {
		return f, true
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, werr := t.conn.Write(append(line, '\n'))
	if werr != nil {
		return f, true
	}
	return f, true
}

func (t *TransportPlugin) Close() error {
	return t.conn.Close()
}

var _ Plugin = (*TransportPlugin)(nil)
