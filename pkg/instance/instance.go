// Package instance wires the object store, identity, trust graph,
// connection layer, pairing manager, and channel engine into one running
// process — not a module spec.md names directly, but the ambient
// lifecycle every one of the teacher's own daemons carries.
//
// The Config/Opts split, the ctx/cancel/sync.WaitGroup background-loop
// shape, and Run's signal-handling select are grounded verbatim on the
// teacher's pkg/daemon.go (NewDaemon/Run/Shutdown) and pkg/daemon/config.go
// (Config built from DaemonOpts via NewConfig), generalized from "reconcile
// a WireGuard mesh" to "track this instance's connections and keep its
// directory projections fresh against channel updates".
package instance

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/onecore/pkg/channel"
	"github.com/atvirokodosprendimai/onecore/pkg/connection"
	"github.com/atvirokodosprendimai/onecore/pkg/directory"
	"github.com/atvirokodosprendimai/onecore/pkg/identity"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
	"github.com/atvirokodosprendimai/onecore/pkg/pairing"
	"github.com/atvirokodosprendimai/onecore/pkg/trust"
)

// Opts holds the user-facing knobs a CLI or config file supplies.
type Opts struct {
	Email        string // identity email, fed to identity.DerivePersonID
	InstanceName string
	UserSecret   string // passphrase protecting the private key halves
	RedisAddr    string // empty selects the in-process MemStore
	PairingURL   string // base URL invitations are rendered against
	LogLevel     string
}

// Config is the derived, validated configuration built from Opts —
// mirroring the teacher's Config/DaemonOpts split so callers never poke
// derived fields (PersonID, InstanceID) directly.
type Config struct {
	PersonID     objstore.Hash
	InstanceID   objstore.Hash
	UserSecret   string
	RedisAddr    string
	PairingURL   string
	LogLevel     string
}

// NewConfig derives a Config from Opts, deriving the stable identity
// hashes per spec.md §4.2.
func NewConfig(opts Opts) (*Config, error) {
	personID, err := identity.DerivePersonID(opts.Email)
	if err != nil {
		return nil, fmt.Errorf("onecore/instance: derive person id: %w", err)
	}
	instanceID, err := identity.DeriveInstanceID(personID, opts.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("onecore/instance: derive instance id: %w", err)
	}
	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	return &Config{
		PersonID:   personID,
		InstanceID: instanceID,
		UserSecret: opts.UserSecret,
		RedisAddr:  opts.RedisAddr,
		PairingURL: opts.PairingURL,
		LogLevel:   logLevel,
	}, nil
}

// Instance ties every component together for one running identity.
type Instance struct {
	config *Config

	Store    objstore.ObjectStore
	Keychain *identity.Keychain
	Trust    *trust.Graph
	Pairing  *pairing.Manager
	Channels *channel.Engine

	mu          sync.Mutex
	connections map[string]*connection.Connection
	trees       map[string]*directory.Tree

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs an Instance. store may be nil to default to an
// in-process MemStore (used by tests and single-node deployments);
// RedisStore wiring is the caller's responsibility when config.RedisAddr
// is set, mirroring spec.md §4.1's "two interchangeable backings".
func New(config *Config, store objstore.ObjectStore, keys *identity.Keys) (*Instance, error) {
	if store == nil {
		store = objstore.NewMemStore()
	}

	kc := identity.NewKeychain(config.PersonID)
	g := trust.New()
	if keys != nil {
		kc.AddKeys(config.PersonID, keys)
		g.AddRootKey(objstore.HashOf(keys.PublicSign))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Instance{
		config:      config,
		Store:       store,
		Keychain:    kc,
		Trust:       g,
		Pairing:     pairing.NewManager(config.PersonID, config.PairingURL),
		Channels:    channel.New(store, kc),
		connections: make(map[string]*connection.Connection),
		trees:       make(map[string]*directory.Tree),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Config returns the instance's derived configuration.
func (in *Instance) Config() *Config {
	return in.config
}

// TrackedChannels returns the head of every channel a directory
// projection has been requested for, for use by the RPC layer's
// channels.list.
func (in *Instance) TrackedChannels() []*rpcChannelData {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]*rpcChannelData, 0, len(in.trees))
	for _, t := range in.trees {
		channelID, owner := t.ChannelID(), t.Owner()
		head, err := in.Channels.Head(in.ctx, channelID, owner)
		if err != nil {
			continue
		}
		out = append(out, &rpcChannelData{
			ChannelID: channelID,
			Owner:     owner.String(),
			Head:      head.String(),
		})
	}
	return out
}

// rpcChannelData mirrors rpc.ChannelData without instance importing the
// rpc package, keeping the dependency direction rpc -> instance only at
// the cmd/one-instanced wiring layer.
type rpcChannelData struct {
	ChannelID string
	Owner     string
	Head      string
}

// RegisterConnection adds an opened connection to the instance's
// tracked set and, once it closes, removes it again.
func (in *Instance) RegisterConnection(id string, conn *connection.Connection) {
	in.mu.Lock()
	in.connections[id] = conn
	in.mu.Unlock()

	conn.OnStateChange(connection.Listener{
		OnEnterState: func(to connection.State) {
			if to != connection.StateClosed {
				return
			}
			in.mu.Lock()
			delete(in.connections, id)
			in.mu.Unlock()
		},
	})
}

// Connections returns a snapshot of every currently tracked connection,
// keyed by the id RegisterConnection was called with.
func (in *Instance) Connections() map[string]*connection.Connection {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]*connection.Connection, len(in.connections))
	for k, v := range in.connections {
		out[k] = v
	}
	return out
}

// DirectoryFor returns (creating if absent) the cached date-directory
// projection for (channelID, owner, entryType).
func (in *Instance) DirectoryFor(channelID string, owner objstore.Hash, entryType string) *directory.Tree {
	key := channelID + "|" + owner.String() + "|" + entryType
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.trees[key]; ok {
		return t
	}
	t := directory.New(in.Channels, channelID, owner, entryType)
	in.trees[key] = t
	return t
}

// Run starts background loops (channel-update fan-out into directory
// cache invalidation) and blocks until a shutdown signal or ctx
// cancellation, mirroring the teacher's Daemon.Run.
func (in *Instance) Run() error {
	in.startTime = time.Now()
	log.Printf("[instance] starting, person=%s instance=%s", in.config.PersonID, in.config.InstanceID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.invalidationLoop()
	}()

	log.Printf("[instance] running")

	select {
	case sig := <-sigCh:
		log.Printf("[instance] received signal %v, shutting down", sig)
	case <-in.ctx.Done():
		log.Printf("[instance] context cancelled, shutting down")
	}

	in.cancel()
	in.wg.Wait()
	return nil
}

// Shutdown cancels the instance context, signalling Run's background
// loops to stop.
func (in *Instance) Shutdown() {
	in.cancel()
}

// invalidationLoop drains channel update events and invalidates every
// directory projection registered for the affected (channelId, owner).
func (in *Instance) invalidationLoop() {
	events := in.Channels.OnUpdated()
	defer in.Channels.Unsubscribe(events)

	for {
		select {
		case <-in.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			in.mu.Lock()
			for _, t := range in.trees {
				t.Invalidate(ev.TimeOfEarliestChange)
			}
			in.mu.Unlock()
		}
	}
}
