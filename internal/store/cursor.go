package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCursor returns the last successful sync timestamp for a team.
// A team that has never synced reports the zero time, so the first pull
// fetches the full history.
func (s *Store) GetCursor(ctx context.Context, teamID string) (time.Time, error) {
	var lastSync int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync FROM sync_cursors WHERE team_id = ?`, teamID).Scan(&lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading sync cursor: %w", err)
	}
	return fromUnixNano(lastSync), nil
}

// SetCursor advances the sync cursor for a team. The reconciler calls this
// only after both pull steps complete without error.
func (s *Store) SetCursor(ctx context.Context, teamID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_cursors (team_id, last_sync)
		VALUES (?, ?)
		ON CONFLICT(team_id) DO UPDATE SET last_sync = excluded.last_sync`,
		teamID, toUnixNano(ts))
	if err != nil {
		return fmt.Errorf("advancing sync cursor: %w", err)
	}
	return nil
}
