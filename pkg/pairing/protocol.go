package pairing

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/onecore/pkg/connection"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// Endpoint is the OneInstanceEndpoint object spec.md §4.5 step 1 has both
// peers exchange: enough to locate and authenticate the other side again
// later.
type Endpoint struct {
	PersonID      objstore.Hash `json:"person_id"`
	InstanceID    objstore.Hash `json:"instance_id"`
	PublicSignKey []byte        `json:"public_sign_key"`
	PublicEncrypt [32]byte      `json:"public_encrypt"`
	URL           string        `json:"url"`
}

func (e Endpoint) toFrameData() map[string]interface{} {
	return map[string]interface{}{
		"person_id":      e.PersonID.String(),
		"instance_id":    e.InstanceID.String(),
		"public_sign":    e.PublicSignKey,
		"public_encrypt": e.PublicEncrypt[:],
		"url":            e.URL,
	}
}

func endpointFromFrameData(data map[string]interface{}) (Endpoint, error) {
	var e Endpoint
	personHex, _ := data["person_id"].(string)
	person, err := objstore.ParseHash(personHex)
	if err != nil {
		return e, fmt.Errorf("onecore/pairing: invalid person_id: %w", err)
	}
	instanceHex, _ := data["instance_id"].(string)
	instance, err := objstore.ParseHash(instanceHex)
	if err != nil {
		return e, fmt.Errorf("onecore/pairing: invalid instance_id: %w", err)
	}
	e.PersonID = person
	e.InstanceID = instance
	e.URL, _ = data["url"].(string)
	if s, ok := data["public_sign"].(string); ok {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			e.PublicSignKey = b
		}
	}
	if s, ok := data["public_encrypt"].(string); ok {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == len(e.PublicEncrypt) {
			copy(e.PublicEncrypt[:], b)
		}
	}
	return e, nil
}

// storeProfile persists a peer's endpoint as a new profile in the object
// store — spec.md §4.5 step 3.
func storeProfile(ctx context.Context, store objstore.ObjectStore, ep Endpoint) (objstore.Hash, error) {
	obj := map[string]interface{}{
		"$type$":      "Profile",
		"person":      ep.PersonID.String(),
		"instance":    ep.InstanceID.String(),
		"public_sign": ep.PublicSignKey,
		"url":         ep.URL,
	}
	bytes, err := objstore.Canonicalize(obj)
	if err != nil {
		return objstore.Hash{}, err
	}
	return store.Put(ctx, bytes)
}

// AcceptInvitation runs the pairing protocol of spec.md §4.5 over an
// already-opened, encrypted Connection. direction is "inbound" when we
// are the side with the outstanding invitation (verifying token),
// "outbound" when we are the side presenting it. sourceKey identifies
// the remote side for rate-limiting purposes (e.g. its transport
// address); it is ignored when direction is "outbound".
func (m *Manager) AcceptInvitation(ctx context.Context, store objstore.ObjectStore, conn *connection.Connection, promise *connection.PromisePlugin, direction string, sourceKey string, token string, local Endpoint) (*SuccessEvent, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := conn.Send(connection.Frame{Type: "pairing_endpoint", Data: local.toFrameData()}); err != nil {
		return nil, fmt.Errorf("onecore/pairing: send endpoint: %w", err)
	}
	remoteFrame, err := promise.WaitForJSONMessageWithType(handshakeCtx, "pairing_endpoint")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("onecore/pairing: waiting for counterpart endpoint: %w", err)
	}
	remote, err := endpointFromFrameData(remoteFrame.Data)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if direction == "inbound" {
		if err := m.redeem(sourceKey, token); err != nil {
			// Indistinguishable failure: close with a generic error,
			// regardless of whether the token was unknown, expired, or
			// already used.
			conn.Close()
			return nil, err
		}
	}

	if _, err := storeProfile(ctx, store, remote); err != nil {
		conn.Close()
		return nil, fmt.Errorf("onecore/pairing: store remote profile: %w", err)
	}

	ev := SuccessEvent{
		Token:          token,
		Direction:      direction,
		LocalPersonID:  local.PersonID,
		RemotePersonID: remote.PersonID,
	}
	m.fireSuccess(ev)
	return &ev, nil
}
