package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultConfirmationTTL is the bounded lifetime of a confirmation
// token, per the specification's recommended 48-hour window.
const DefaultConfirmationTTL = 48 * time.Hour

// PendingAction is what a confirmation token resolves to: enough
// information for the command that created it to finish the job in
// its second phase, without trusting anything in the confirming
// e-mail beyond the token itself.
type PendingAction struct {
	Command   string            `json:"command"`
	Args      map[string]string `json:"args"`
	Requester string            `json:"requester"`
}

// ConfirmationStore persists pending confirmations with a bounded TTL
// and single-use redemption. Backed by Redis (SETEX for the bounded
// lifetime, GETDEL for atomic single-use redemption), the same
// get/set-with-expiry shape the example pack's worker package uses for
// its own short-lived cache entries.
type ConfirmationStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewConfirmationStore wraps an existing Redis client. ttl of zero
// selects DefaultConfirmationTTL.
func NewConfirmationStore(rdb *redis.Client, ttl time.Duration) *ConfirmationStore {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	return &ConfirmationStore{rdb: rdb, ttl: ttl}
}

const confirmKeyPrefix = "pts:confirm:"

// Issue creates a new single-use token bound to action, valid for the
// store's configured TTL, and returns the token text to embed in the
// confirmation mail's "confirm <token>" command.
func (s *ConfirmationStore) Issue(ctx context.Context, action PendingAction) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("control: generate confirmation token: %w", err)
	}

	data, err := json.Marshal(action)
	if err != nil {
		return "", fmt.Errorf("control: marshal pending action: %w", err)
	}

	if err := s.rdb.Set(ctx, confirmKeyPrefix+token, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("control: store confirmation token: %w", err)
	}
	return token, nil
}

// ErrTokenNotFound is returned by Redeem when the token is unknown,
// already used, or expired.
var ErrTokenNotFound = errors.New("control: confirmation token not found or expired")

// Redeem atomically fetches and deletes the pending action for token,
// so a replayed confirmation mail (or a guessed token reused twice)
// always fails the second time. GetDel is Redis's atomic
// get-then-delete primitive, precisely what single-use redemption
// needs.
func (s *ConfirmationStore) Redeem(ctx context.Context, token string) (PendingAction, error) {
	data, err := s.rdb.GetDel(ctx, confirmKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingAction{}, ErrTokenNotFound
	}
	if err != nil {
		return PendingAction{}, fmt.Errorf("control: redeem confirmation token: %w", err)
	}

	var action PendingAction
	if err := json.Unmarshal(data, &action); err != nil {
		return PendingAction{}, fmt.Errorf("control: unmarshal pending action: %w", err)
	}
	return action, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
