package connection

import (
	"testing"
	"time"
)

func TestStateMachineTransitions(t *testing.T) {
	c := New("test")
	if c.State() != StateConnecting {
		t.Fatalf("expected initial state connecting, got %s", c.State())
	}

	var transitions [][2]State
	c.OnStateChange(Listener{
		OnStateChange: func(from, to State) {
			transitions = append(transitions, [2]State{from, to})
		},
	})

	c.Open()
	if c.State() != StateOpen {
		t.Fatalf("expected state open after Open, got %s", c.State())
	}

	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("expected state closed after Close, got %s", c.State())
	}

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d: %v", len(transitions), transitions)
	}
	if transitions[0] != ([2]State{StateConnecting, StateOpen}) {
		t.Fatalf("unexpected first transition: %v", transitions[0])
	}
	if transitions[1] != ([2]State{StateOpen, StateClosed}) {
		t.Fatalf("unexpected second transition: %v", transitions[1])
	}
}

func TestWaitForOpenResolvesOnOpen(t *testing.T) {
	c := New("test")
	done := make(chan error, 1)
	go func() {
		done <- c.WaitForOpen(time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	c.Open()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForOpen failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForOpen did not resolve")
	}
}

func TestWaitForOpenRejectsOnTimeout(t *testing.T) {
	c := New("test")
	err := c.WaitForOpen(20 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestWaitForOpenRejectsIfAlreadyClosed(t *testing.T) {
	c := New("test")
	c.Close()
	err := c.WaitForOpen(time.Second)
	if err == nil {
		t.Fatal("expected error waiting on an already-closed connection")
	}
}

func TestTerminateSkipsCloseButStillTransitions(t *testing.T) {
	c := New("test")
	var order []int
	c.Use(&orderPlugin{id: 1, order: &order})
	c.Open()
	c.Terminate()
	if c.State() != StateClosed {
		t.Fatalf("expected closed after Terminate, got %s", c.State())
	}
	if len(order) != 0 {
		t.Fatalf("expected Terminate to skip plugin Close hooks, got %v", order)
	}
}

func TestCloseRunsPluginsInReverseOrder(t *testing.T) {
	c := New("test")
	var order []int
	p1 := &orderPlugin{id: 1, order: &order}
	p2 := &orderPlugin{id: 2, order: &order}
	c.Use(p1)
	c.Use(p2)
	c.Open()
	c.Close()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected plugins closed in reverse registration order, got %v", order)
	}
}

type orderPlugin struct {
	BasePlugin
	id    int
	order *[]int
}

func (o *orderPlugin) Close() error {
	*o.order = append(*o.order, o.id)
	return nil
}
