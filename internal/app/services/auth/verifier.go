// Package auth verifies wallet-signed requests. Authentication is stateless:
// no sessions, no server-issued nonces. Each request carries a signed message
// that must bind the exact operation it authorizes.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

// Verification failures, in the order they are checked. Infrastructure
// failures (replay store outages) are returned unwrapped from these so
// callers can tell bad requests from broken backends.
var (
	ErrExpired      = errors.New("authorization expired")
	ErrUnbound      = errors.New("authorization not bound to request")
	ErrBadSignature = errors.New("authorization signature invalid")
	ErrReplay       = errors.New("authorization already used")
)

// DefaultFreshnessWindow bounds how far a signed request's issued-at may lie
// from server time, in either direction.
const DefaultFreshnessWindow = 2 * time.Minute

// Request is a signed authorization covering exactly one operation.
type Request struct {
	OwnerAddress string
	Message      string
	Signature    string
	IssuedAt     int64
	Environment  string
	LocationID   string
	Action       string
}

// ReplayStore marks signatures as used. MarkUsed must be atomic: the first
// caller for a key gets true, everyone else false until the ttl lapses.
type ReplayStore interface {
	MarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Config tunes verification.
type Config struct {
	FreshnessWindow time.Duration
}

// Verifier checks signed requests. Apart from replay markers it holds no
// state between requests.
type Verifier struct {
	window  time.Duration
	replays ReplayStore
	now     func() time.Time
	log     *logger.Logger
}

// NewVerifier constructs a verifier. A nil replay store falls back to the
// in-process implementation.
func NewVerifier(cfg Config, replays ReplayStore, log *logger.Logger) *Verifier {
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	if replays == nil {
		replays = NewMemoryReplayStore()
	}
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Verifier{
		window:  window,
		replays: replays,
		now:     time.Now,
		log:     log,
	}
}

// Verify checks one signed request: shape, freshness, message binding,
// signature recovery, then single use. The first failing check decides the
// error; nothing is marked used unless every other check passed.
func (v *Verifier) Verify(ctx context.Context, req Request) error {
	owner := strings.TrimSpace(req.OwnerAddress)
	sig := strings.TrimSpace(req.Signature)

	if req.Message == "" {
		return fmt.Errorf("%w: message is empty", ErrUnbound)
	}
	if owner == "" || !common.IsHexAddress(owner) {
		return fmt.Errorf("%w: owner address malformed", ErrBadSignature)
	}
	if sig == "" {
		return fmt.Errorf("%w: signature missing", ErrBadSignature)
	}

	if req.IssuedAt <= 0 {
		return fmt.Errorf("%w: issued_at missing", ErrExpired)
	}
	issued := time.UnixMilli(req.IssuedAt)
	if delta := v.now().Sub(issued); delta > v.window {
		return fmt.Errorf("%w: issued %s ago", ErrExpired, delta.Truncate(time.Second))
	} else if delta < -v.window {
		return fmt.Errorf("%w: issued %s in the future", ErrExpired, (-delta).Truncate(time.Second))
	}

	// The message must literally contain every token the request claims to be
	// authorized for. A valid signature over an unrelated message authorizes
	// nothing.
	for _, bind := range []struct {
		name  string
		token string
	}{
		{"action", req.Action},
		{"environment", req.Environment},
		{"location", req.LocationID},
		{"issued_at", strconv.FormatInt(req.IssuedAt, 10)},
	} {
		if strings.TrimSpace(bind.token) == "" {
			return fmt.Errorf("%w: %s missing from request", ErrUnbound, bind.name)
		}
		if !strings.Contains(req.Message, bind.token) {
			return fmt.Errorf("%w: message does not bind %s", ErrUnbound, bind.name)
		}
	}
	if !strings.Contains(strings.ToLower(req.Message), strings.ToLower(owner)) {
		return fmt.Errorf("%w: message does not bind owner address", ErrUnbound)
	}

	sigBytes, err := decodeSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	digest := accounts.TextHash([]byte(req.Message))
	pub, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		return fmt.Errorf("%w: recover signer: %v", ErrBadSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(owner) {
		return fmt.Errorf("%w: signer %s is not owner", ErrBadSignature, recovered.Hex())
	}

	// Replay markers key on the normalized signature hash, so the 27/28 and
	// 0/1 recovery-id spellings of one signature share a marker. Markers must
	// outlive the widest window a future-dated signature can stay fresh.
	key := hex.EncodeToString(crypto.Keccak256(sigBytes))
	fresh, err := v.replays.MarkUsed(ctx, key, 2*v.window)
	if err != nil {
		return fmt.Errorf("replay store: %w", err)
	}
	if !fresh {
		return ErrReplay
	}

	v.log.WithField("owner", recovered.Hex()).
		WithField("action", req.Action).
		WithField("location_id", req.LocationID).
		Debug("signed request accepted")
	return nil
}

// decodeSignature parses a 65-byte hex signature and normalizes the recovery
// id from the wallet convention (27/28) to the library convention (0/1).
func decodeSignature(sig string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature hex: %v", err)
	}
	if len(raw) != crypto.SignatureLength {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(raw), crypto.SignatureLength)
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	if raw[64] > 1 {
		return nil, fmt.Errorf("invalid recovery id %d", raw[64])
	}
	return raw, nil
}
