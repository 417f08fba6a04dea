// one-instanced runs one identity instance: its object store, trust
// graph, pairing manager, channel engine, and the local control RPC
// socket.
//
// Usage:
//
//	one-instanced -email alice@example.com -name laptop
//	one-instanced -email alice@example.com -name laptop -redis 127.0.0.1:6379
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/atvirokodosprendimai/onecore/pkg/identity"
	"github.com/atvirokodosprendimai/onecore/pkg/instance"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
	"github.com/atvirokodosprendimai/onecore/pkg/otel"
	"github.com/atvirokodosprendimai/onecore/pkg/rpc"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var (
		email        = flag.String("email", "", "identity email (required)")
		instanceName = flag.String("name", "default", "instance name")
		userSecret   = flag.String("secret", "", "passphrase protecting the private key halves")
		redisAddr    = flag.String("redis", "", "Redis address for the object store backend (empty selects in-memory)")
		pairingURL   = flag.String("pairing-url", "https://pair.example.com", "base URL invitations are rendered against")
		logLevel     = flag.String("log-level", "info", "log level")
		socketPath   = flag.String("socket", "", "Unix socket path for the local control API")
	)
	flag.Parse()

	if *email == "" {
		fmt.Fprintln(os.Stderr, "Error: -email is required")
		os.Exit(1)
	}

	ctx := context.Background()
	shutdownOtel, err := otel.Init(ctx, "onecore-instance", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to init otel: %v\n", err)
	}
	defer shutdownOtel(ctx)

	cfg, err := instance.NewConfig(instance.Opts{
		Email:        *email,
		InstanceName: *instanceName,
		UserSecret:   *userSecret,
		RedisAddr:    *redisAddr,
		PairingURL:   *pairingURL,
		LogLevel:     *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build config: %v\n", err)
		os.Exit(1)
	}

	var store objstore.ObjectStore
	if *redisAddr != "" {
		redisStore, err := objstore.NewRedisStore(*redisAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to redis: %v\n", err)
			os.Exit(1)
		}
		store = redisStore
	}

	keys, err := identity.NewKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate keys: %v\n", err)
		os.Exit(1)
	}

	in, err := instance.New(cfg, store, keys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create instance: %v\n", err)
		os.Exit(1)
	}

	rpcSocketPath := *socketPath
	if rpcSocketPath == "" {
		rpcSocketPath = rpc.GetSocketPath()
	}

	rpcServer, err := createRPCServer(in, rpcSocketPath, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create RPC server: %v\n", err)
	} else {
		if err := rpcServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start RPC server: %v\n", err)
		} else {
			defer rpcServer.Stop()
			fmt.Printf("RPC socket: %s\n", rpc.FormatSocketPath(rpcSocketPath))
		}
	}

	fmt.Printf("person=%s instance=%s\n", cfg.PersonID, cfg.InstanceID)

	if err := in.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Instance error: %v\n", err)
		os.Exit(1)
	}
}

// createRPCServer wires an rpc.Server's callback functions against one
// running Instance.
func createRPCServer(in *instance.Instance, socketPath, version string) (*rpc.Server, error) {
	startTime := time.Now()

	return rpc.NewServer(rpc.ServerConfig{
		SocketPath: socketPath,
		Version:    version,
		GetStatus: func() *rpc.StatusData {
			return &rpc.StatusData{
				PersonID:   in.Config().PersonID.String(),
				InstanceID: in.Config().InstanceID.String(),
				Uptime:     time.Since(startTime),
			}
		},
		ListConnections: func() []*rpc.ConnectionData {
			conns := in.Connections()
			out := make([]*rpc.ConnectionData, 0, len(conns))
			for id, c := range conns {
				out = append(out, &rpc.ConnectionData{ID: id, State: string(c.State())})
			}
			return out
		},
		CreateInvitation: func(expiration time.Duration) (string, string, time.Time, error) {
			inv, err := in.Pairing.CreateInvitation(expiration)
			if err != nil {
				return "", "", time.Time{}, err
			}
			return inv.Token, inv.URL, inv.ExpiresAt, nil
		},
		InvalidateToken: func(token string) error {
			in.Pairing.Invalidate(token)
			return nil
		},
		ListChannels: func() []*rpc.ChannelData {
			tracked := in.TrackedChannels()
			out := make([]*rpc.ChannelData, 0, len(tracked))
			for _, c := range tracked {
				out = append(out, &rpc.ChannelData{ChannelID: c.ChannelID, Owner: c.Owner, Head: c.Head})
			}
			return out
		},
		GetChannelHead: func(channelID, owner string) (string, bool) {
			ownerHash, err := objstore.ParseHash(owner)
			if err != nil {
				return "", false
			}
			head, err := in.Channels.Head(context.Background(), channelID, ownerHash)
			if err != nil {
				return "", false
			}
			return head.String(), true
		},
	})
}
