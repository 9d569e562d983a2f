package drive

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/database"
)

// Quota accounting always runs against the users row; usage is never
// dead-reckoned in memory. The release statement is shared with the
// recursive-delete transaction in repo.go.
const (
	reserveUsedBytesSQL = `
		UPDATE users u
		SET used_bytes = u.used_bytes + $2, updated_at = now()
		FROM storage_tiers t
		WHERE u.id = $1 AND t.id = u.tier_id AND u.used_bytes + $2 <= t.limit_bytes
		RETURNING u.used_bytes`

	releaseUsedBytesSQL = `
		UPDATE users
		SET used_bytes = GREATEST(used_bytes - $2, 0), updated_at = now()
		WHERE id = $1`

	restoreUsedBytesSQL = `
		UPDATE users
		SET used_bytes = GREATEST(used_bytes + $2, 0), updated_at = now()
		WHERE id = $1`

	usageSQL = `
		SELECT u.used_bytes, t.limit_bytes, t.name
		FROM users u
		JOIN storage_tiers t ON t.id = u.tier_id
		WHERE u.id = $1`

	userExistsSQL = `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`
)

// QuotaLedger enforces per-user storage limits against the users and
// storage_tiers tables.
type QuotaLedger struct {
	db database.Executor
}

// NewQuotaLedger creates a ledger over the given database.
func NewQuotaLedger(db database.Executor) *QuotaLedger {
	return &QuotaLedger{db: db}
}

// Reserve charges amount bytes against the owner's tier in one
// conditional update. It fails with QuotaExceeded when the reservation
// would overflow the limit and NotFound when the owner does not exist.
func (l *QuotaLedger) Reserve(ctx context.Context, ownerID uuid.UUID, amount int64) error {
	if amount < 0 {
		return NewError(KindInternal, "negative quota reservation")
	}

	var used int64
	err := l.db.QueryRow(ctx, reserveUsedBytesSQL, ownerID, amount).Scan(&used)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fromPg("quota reserve", err)
	}

	// The conditional update matches no row both when the user is
	// missing and when the tier limit would be exceeded; probe to
	// tell the two apart.
	var exists bool
	if probeErr := l.db.QueryRow(ctx, userExistsSQL, ownerID).Scan(&exists); probeErr != nil {
		return fromPg("quota reserve", probeErr)
	}
	if !exists {
		return NewError(KindNotFound, "user not found")
	}
	return NewError(KindQuotaExceeded, "storage quota exceeded")
}

// Release returns amount bytes to the owner, clamped at zero so
// repeated compensation can never drive usage negative. Releasing for
// an unknown owner is a logged no-op.
func (l *QuotaLedger) Release(ctx context.Context, ownerID uuid.UUID, amount int64) error {
	if amount < 0 {
		return NewError(KindInternal, "negative quota release")
	}
	if amount == 0 {
		return nil
	}

	tag, err := l.db.Exec(ctx, releaseUsedBytesSQL, ownerID, amount)
	if err != nil {
		return fromPg("quota release", err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn().
			Str("owner_id", ownerID.String()).
			Int64("amount", amount).
			Msg("Quota release for unknown user")
	}
	return nil
}

// Adjust applies a signed usage delta: positive deltas are tier-checked
// reservations, negative deltas are clamped releases.
func (l *QuotaLedger) Adjust(ctx context.Context, ownerID uuid.UUID, delta int64) error {
	switch {
	case delta > 0:
		return l.Reserve(ctx, ownerID, delta)
	case delta < 0:
		return l.Release(ctx, ownerID, -delta)
	default:
		return nil
	}
}

// Restore force-applies a signed delta without checking the tier limit,
// clamped at zero. It exists for compensation paths that must put usage
// back after a failed metadata commit; normal flows use Reserve and
// Release.
func (l *QuotaLedger) Restore(ctx context.Context, ownerID uuid.UUID, delta int64) error {
	if delta == 0 {
		return nil
	}
	tag, err := l.db.Exec(ctx, restoreUsedBytesSQL, ownerID, delta)
	if err != nil {
		return fromPg("quota restore", err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn().
			Str("owner_id", ownerID.String()).
			Int64("delta", delta).
			Msg("Quota restore for unknown user")
	}
	return nil
}

// Usage returns the owner's current accounting row.
func (l *QuotaLedger) Usage(ctx context.Context, ownerID uuid.UUID) (*UserQuota, error) {
	q := &UserQuota{OwnerID: ownerID}
	err := l.db.QueryRow(ctx, usageSQL, ownerID).Scan(&q.UsedBytes, &q.LimitBytes, &q.TierName)
	if err != nil {
		return nil, fromPg("quota usage", err)
	}
	return q, nil
}
