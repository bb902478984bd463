package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/paygate/internal/payment"
)

// Ledger remembers which settlements were applied.
type Ledger interface {
	// Claim reports whether the caller is the first to apply evt.
	Claim(ctx context.Context, evt payment.SettlementEvent) (bool, error)
	// Release forgets a claim after a failed apply so a retry can take it.
	Release(ctx context.Context, evt payment.SettlementEvent) error
}

// RedisLedger stores claims as SETNX keys.
type RedisLedger struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

func (l RedisLedger) Claim(ctx context.Context, evt payment.SettlementEvent) (bool, error) {
	if l.R == nil {
		return false, errors.New("settlement: redis client not configured")
	}
	return l.R.SetNX(ctx, l.Key(evt), time.Now().UTC().Format(time.RFC3339), l.ttl()).Result()
}

func (l RedisLedger) Release(ctx context.Context, evt payment.SettlementEvent) error {
	if l.R == nil {
		return errors.New("settlement: redis client not configured")
	}
	return l.R.Del(ctx, l.Key(evt)).Err()
}

// Key returns settlement:{provider}:{identity}:{outcome}, optionally prefixed. A
// completed payment settles once per reference. Other outcomes recur for one reference
// (subscriptions toggle, invoices retry), so they are keyed by the provider event id,
// or by a payload digest when the provider sends none.
func (l RedisLedger) Key(evt payment.SettlementEvent) string {
	key := "settlement:" + string(evt.Provider) + ":" + identity(evt) + ":" + string(evt.Outcome)
	if l.Prefix != "" {
		return l.Prefix + ":" + key
	}
	return key
}

func (l RedisLedger) ttl() time.Duration {
	if l.TTL <= 0 {
		return 30 * 24 * time.Hour
	}
	return l.TTL
}

func identity(evt payment.SettlementEvent) string {
	if evt.Outcome == payment.OutcomeCompleted {
		return evt.Reference
	}
	if evt.EventID != "" {
		return evt.EventID
	}
	if len(evt.RawPayload) > 0 {
		sum := sha256.Sum256(evt.RawPayload)
		return evt.Reference + "@" + hex.EncodeToString(sum[:16])
	}
	return evt.Reference
}
