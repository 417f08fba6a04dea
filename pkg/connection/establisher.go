package connection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Establisher retries an outgoing connection attempt until it succeeds
// or Stop is called — spec.md §4.4's "Outgoing-connection retry". The
// retry loop's shape mirrors the teacher's peer health loop
// (attemptPeerReconnect / evictPeerFromPool running on a ticker,
// pkg/daemon/daemon.go), generalized from "reapply a WireGuard peer
// config" to "call an arbitrary connect function".
type Establisher struct {
	retryTimeout time.Duration
	connectFn    func(ctx context.Context) (*Connection, error)
	onConnection func(*Connection)

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewEstablisher creates an Establisher that calls connectFn every
// retryTimeout until it succeeds, then invokes onConnection.
func NewEstablisher(retryTimeout time.Duration, connectFn func(ctx context.Context) (*Connection, error), onConnection func(*Connection)) *Establisher {
	return &Establisher{
		retryTimeout: retryTimeout,
		connectFn:    connectFn,
		onConnection: onConnection,
	}
}

// ConnectOnce runs the retry loop in the background until a connect
// succeeds or Stop is called.
func (e *Establisher) ConnectOnce(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(e.retryTimeout)
		defer ticker.Stop()
		for {
			if e.tryConnect(ctx) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (e *Establisher) tryConnect(ctx context.Context) bool {
	conn, err := e.connectFn(ctx)
	if err != nil {
		log.Printf("[connection/establisher] connect attempt failed: %v", err)
		return false
	}
	if e.onConnection != nil {
		e.onConnection(conn)
	}
	return true
}

// ConnectOnceSuccessfully is a one-shot variant of ConnectOnce that
// blocks until connectFn succeeds, rejecting on successTimeout or Stop —
// spec.md §4.4's connect_once_successfully(success_timeout).
func (e *Establisher) ConnectOnceSuccessfully(ctx context.Context, successTimeout time.Duration) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, successTimeout)
	defer cancel()

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	ticker := time.NewTicker(e.retryTimeout)
	defer ticker.Stop()

	for {
		e.mu.Lock()
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return nil, fmt.Errorf("onecore/connection: establisher stopped")
		}

		conn, err := e.connectFn(ctx)
		if err == nil {
			if e.onConnection != nil {
				e.onConnection(conn)
			}
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("onecore/connection: connect_once_successfully timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop cancels any in-flight retry loop.
func (e *Establisher) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
