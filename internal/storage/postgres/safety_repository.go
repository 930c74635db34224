package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-trading/dexsniper/internal/safety"
)

// SafetyRepository persists the token blacklist and the safety event log.
type SafetyRepository struct {
	db  DB
	now func() time.Time
}

// NewSafetyRepository creates a repository over db.
func NewSafetyRepository(db DB) *SafetyRepository {
	return &SafetyRepository{db: db, now: time.Now}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// AddBlacklistedToken upserts an entry. Re-adding a removed token revives it.
func (r *SafetyRepository) AddBlacklistedToken(ctx context.Context, e safety.BlacklistEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO token_blacklist (chain, token_address, reason, details, added_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain, token_address) DO UPDATE SET
			reason = EXCLUDED.reason,
			details = EXCLUDED.details,
			added_at = EXCLUDED.added_at,
			expires_at = EXCLUDED.expires_at,
			removed_at = NULL
	`, strings.ToLower(e.Chain), strings.ToLower(e.TokenAddress), string(e.Reason), e.Details, e.AddedAt, nullTime(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert blacklisted token: %w", err)
	}
	return nil
}

// GetActiveBlacklistedTokens returns entries that are neither removed nor
// expired.
func (r *SafetyRepository) GetActiveBlacklistedTokens(ctx context.Context) ([]safety.BlacklistEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT chain, token_address, reason, details, added_at, expires_at
		FROM token_blacklist
		WHERE removed_at IS NULL AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY added_at
	`, r.now())
	if err != nil {
		return nil, fmt.Errorf("query blacklist: %w", err)
	}
	defer rows.Close()

	var out []safety.BlacklistEntry
	for rows.Next() {
		var (
			e         safety.BlacklistEntry
			reason    string
			expiresAt *time.Time
		)
		if err := rows.Scan(&e.Chain, &e.TokenAddress, &reason, &e.Details, &e.AddedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan blacklist row: %w", err)
		}
		e.Reason = safety.BlacklistReason(reason)
		if expiresAt != nil {
			e.ExpiresAt = *expiresAt
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blacklist: %w", err)
	}
	return out, nil
}

// GetBlacklistedToken returns the active entry for one token.
func (r *SafetyRepository) GetBlacklistedToken(ctx context.Context, chain, token string) (*safety.BlacklistEntry, error) {
	var (
		e         safety.BlacklistEntry
		reason    string
		expiresAt *time.Time
	)
	err := r.db.QueryRow(ctx, `
		SELECT chain, token_address, reason, details, added_at, expires_at
		FROM token_blacklist
		WHERE chain = $1 AND token_address = $2
			AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $3)
	`, strings.ToLower(chain), strings.ToLower(token), r.now()).
		Scan(&e.Chain, &e.TokenAddress, &reason, &e.Details, &e.AddedAt, &expiresAt)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query blacklisted token: %w", err)
	}
	e.Reason = safety.BlacklistReason(reason)
	if expiresAt != nil {
		e.ExpiresAt = *expiresAt
	}
	return &e, nil
}

// RemoveBlacklistedToken marks an entry removed. The row is kept as history.
// Removing an unknown token is not an error.
func (r *SafetyRepository) RemoveBlacklistedToken(ctx context.Context, chain, token string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE token_blacklist SET removed_at = $3
		WHERE chain = $1 AND token_address = $2 AND removed_at IS NULL
	`, strings.ToLower(chain), strings.ToLower(token), r.now())
	if err != nil {
		return fmt.Errorf("remove blacklisted token: %w", err)
	}
	return nil
}

// LogSafetyEvent appends to the event log. Replays of the same id are
// ignored.
func (r *SafetyRepository) LogSafetyEvent(ctx context.Context, ev safety.Event) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO safety_events (id, event_type, severity, chain, token_address, breaker, description, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, string(ev.Type), ev.Severity, ev.Chain, ev.TokenAddress, string(ev.Breaker), ev.Description, ev.At)
	if err != nil {
		return fmt.Errorf("insert safety event: %w", err)
	}
	return nil
}

// RecentSafetyEvents returns the newest events first.
func (r *SafetyRepository) RecentSafetyEvents(ctx context.Context, limit int) ([]safety.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, event_type, severity, chain, token_address, breaker, description, occurred_at
		FROM safety_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query safety events: %w", err)
	}
	defer rows.Close()

	var out []safety.Event
	for rows.Next() {
		var (
			ev              safety.Event
			evType, breaker string
		)
		if err := rows.Scan(&ev.ID, &evType, &ev.Severity, &ev.Chain, &ev.TokenAddress, &breaker, &ev.Description, &ev.At); err != nil {
			return nil, fmt.Errorf("scan safety event: %w", err)
		}
		ev.Type = safety.EventType(evType)
		ev.Breaker = safety.BreakerType(breaker)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate safety events: %w", err)
	}
	return out, nil
}
