package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientServerIntegration(t *testing.T) {
	// Unix socket paths are limited to ~104 chars on macOS. Use /tmp directly
	// with a short unique name rather than t.TempDir() which produces long paths.
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("onecore-rpc-%d.sock", os.Getpid()))
	t.Cleanup(func() { os.Remove(socketPath) })

	mockConn := &ConnectionData{ID: "conn-abc123", State: "established"}
	mockChannel := &ChannelData{ChannelID: "diary", Owner: "owner-xyz789", Head: "head-0001"}
	mockStatus := &StatusData{
		PersonID:   "person-xyz789",
		InstanceID: "instance-abc123",
		Uptime:     5 * time.Minute,
	}

	config := ServerConfig{
		SocketPath: socketPath,
		Version:    "test-v1.0",
		GetStatus: func() *StatusData {
			return mockStatus
		},
		ListConnections: func() []*ConnectionData {
			return []*ConnectionData{mockConn}
		},
		CreateInvitation: func(expiration time.Duration) (string, string, time.Time, error) {
			return "invite-token", "https://example.com/invite/invite-token", time.Now().Add(expiration), nil
		},
		InvalidateToken: func(token string) error {
			if token != "invite-token" {
				return fmt.Errorf("unknown token: %s", token)
			}
			return nil
		},
		ListChannels: func() []*ChannelData {
			return []*ChannelData{mockChannel}
		},
		GetChannelHead: func(channelID, owner string) (string, bool) {
			if channelID == mockChannel.ChannelID && owner == mockChannel.Owner {
				return mockChannel.Head, true
			}
			return "", false
		},
	}

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer server.Stop()

	var client *Client
	maxRetries := 10
	for i := 0; i < maxRetries; i++ {
		client, err = NewClient(socketPath)
		if err == nil {
			break
		}
		if i == maxRetries-1 {
			t.Fatalf("failed to create client after %d retries: %v", maxRetries, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer client.Close()

	t.Run("instance.status", func(t *testing.T) {
		result, err := client.Call("instance.status", nil)
		if err != nil {
			t.Fatalf("instance.status failed: %v", err)
		}

		status := result.(map[string]interface{})
		if status["person_id"] != mockStatus.PersonID {
			t.Errorf("expected person_id %s, got %v", mockStatus.PersonID, status["person_id"])
		}
		if status["instance_id"] != mockStatus.InstanceID {
			t.Errorf("expected instance_id %s, got %v", mockStatus.InstanceID, status["instance_id"])
		}
	})

	t.Run("connections.list", func(t *testing.T) {
		result, err := client.Call("connections.list", nil)
		if err != nil {
			t.Fatalf("connections.list failed: %v", err)
		}

		resultMap := result.(map[string]interface{})
		conns := resultMap["connections"].([]interface{})
		if len(conns) != 1 {
			t.Fatalf("expected 1 connection, got %d", len(conns))
		}

		conn := conns[0].(map[string]interface{})
		if conn["id"] != mockConn.ID {
			t.Errorf("expected id %s, got %v", mockConn.ID, conn["id"])
		}
		if conn["state"] != mockConn.State {
			t.Errorf("expected state %s, got %v", mockConn.State, conn["state"])
		}
	})

	t.Run("pairing.invite", func(t *testing.T) {
		result, err := client.Call("pairing.invite", map[string]interface{}{"expiration_ms": float64(60000)})
		if err != nil {
			t.Fatalf("pairing.invite failed: %v", err)
		}

		invite := result.(map[string]interface{})
		if invite["token"] != "invite-token" {
			t.Errorf("expected token invite-token, got %v", invite["token"])
		}
	})

	t.Run("pairing.invalidate", func(t *testing.T) {
		params := map[string]interface{}{"token": "invite-token"}
		result, err := client.Call("pairing.invalidate", params)
		if err != nil {
			t.Fatalf("pairing.invalidate failed: %v", err)
		}

		resultMap := result.(map[string]interface{})
		if resultMap["ok"] != true {
			t.Error("expected ok to be true")
		}
	})

	t.Run("pairing.invalidate unknown token", func(t *testing.T) {
		params := map[string]interface{}{"token": "nonexistent-token"}
		_, err := client.Call("pairing.invalidate", params)
		if err == nil {
			t.Error("expected error for nonexistent token")
		}
	})

	t.Run("channels.list", func(t *testing.T) {
		result, err := client.Call("channels.list", nil)
		if err != nil {
			t.Fatalf("channels.list failed: %v", err)
		}

		resultMap := result.(map[string]interface{})
		channels := resultMap["channels"].([]interface{})
		if len(channels) != 1 {
			t.Fatalf("expected 1 channel, got %d", len(channels))
		}

		ch := channels[0].(map[string]interface{})
		if ch["channel_id"] != mockChannel.ChannelID {
			t.Errorf("expected channel_id %s, got %v", mockChannel.ChannelID, ch["channel_id"])
		}
	})

	t.Run("channel.heads", func(t *testing.T) {
		params := map[string]interface{}{
			"channel_id": mockChannel.ChannelID,
			"owner":      mockChannel.Owner,
		}
		result, err := client.Call("channel.heads", params)
		if err != nil {
			t.Fatalf("channel.heads failed: %v", err)
		}

		heads := result.(map[string]interface{})
		if heads["head"] != mockChannel.Head {
			t.Errorf("expected head %s, got %v", mockChannel.Head, heads["head"])
		}
	})

	t.Run("channel.heads unknown channel", func(t *testing.T) {
		params := map[string]interface{}{
			"channel_id": "nonexistent",
			"owner":      "nonexistent",
		}
		_, err := client.Call("channel.heads", params)
		if err == nil {
			t.Error("expected error for nonexistent channel")
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		_, err := client.Call("invalid.method", nil)
		if err == nil {
			t.Error("expected error for invalid method")
		}
	})
}
