package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/pkg/types"
)

type syncEventRow struct {
	ID             int64  `db:"id"`
	AttemptID      string `db:"attempt_id"`
	AccountKey     string `db:"account_key"`
	Kind           string `db:"kind"`
	StartedAt      int64  `db:"started_at"`
	FinishedAt     int64  `db:"finished_at"`
	MessagesSynced int    `db:"messages_synced"`
	Success        bool   `db:"success"`
	ErrorKind      string `db:"error_kind"`
	ErrorMessage   string `db:"error_message"`
}

// AppendSyncEvent writes one sync attempt row
func (s *Store) AppendSyncEvent(ctx context.Context, ev *types.SyncEvent) (int64, error) {
	res, err := s.db().ExecContext(ctx, `
		INSERT INTO sync_events (attempt_id, account_key, kind, started_at, finished_at,
			messages_synced, success, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.AttemptID, ev.AccountKey, string(ev.Kind), toMillis(ev.StartedAt), toMillis(ev.FinishedAt),
		ev.MessagesSynced, boolInt(ev.Success), ev.ErrorKind, ev.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to append sync event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read sync event id: %w", err)
	}
	ev.ID = id
	return id, nil
}

// RecentSyncEvents returns an account's attempts started at or after since,
// newest first
func (s *Store) RecentSyncEvents(ctx context.Context, accountKey string, since time.Time, limit int) ([]types.SyncEvent, error) {
	var rows []syncEventRow
	err := s.db().SelectContext(ctx, &rows, `
		SELECT id, attempt_id, account_key, kind, started_at, finished_at,
			messages_synced, success, error_kind, error_message
		FROM sync_events
		WHERE account_key = ? AND started_at >= ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, accountKey, toMillis(since), limitOr(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}

	events := make([]types.SyncEvent, len(rows))
	for i, r := range rows {
		events[i] = types.SyncEvent{
			ID:             r.ID,
			AttemptID:      r.AttemptID,
			AccountKey:     r.AccountKey,
			Kind:           types.SyncKind(r.Kind),
			StartedAt:      fromMillis(r.StartedAt),
			FinishedAt:     fromMillis(r.FinishedAt),
			MessagesSynced: r.MessagesSynced,
			Success:        r.Success,
			ErrorKind:      r.ErrorKind,
			ErrorMessage:   r.ErrorMessage,
		}
	}
	return events, nil
}

// CleanupResult counts rows removed by Cleanup
type CleanupResult struct {
	Messages int64
	Events   int64
}

// Cleanup hard-deletes messages soft-deleted before removedBefore and
// prunes sync events started before eventsBefore
func (s *Store) Cleanup(ctx context.Context, removedBefore, eventsBefore time.Time) (CleanupResult, error) {
	var result CleanupResult

	res, err := s.db().ExecContext(ctx,
		"DELETE FROM messages WHERE removed_at IS NOT NULL AND removed_at < ?", toMillis(removedBefore))
	if err != nil {
		return result, fmt.Errorf("failed to purge removed messages: %w", err)
	}
	result.Messages, _ = res.RowsAffected()

	res, err = s.db().ExecContext(ctx,
		"DELETE FROM sync_events WHERE started_at < ?", toMillis(eventsBefore))
	if err != nil {
		return result, fmt.Errorf("failed to prune sync events: %w", err)
	}
	result.Events, _ = res.RowsAffected()

	if result.Messages > 0 || result.Events > 0 {
		s.logger.WithFields(logrus.Fields{
			"messages": result.Messages,
			"events":   result.Events,
		}).Info("Cache cleanup removed rows")
	}
	return result, nil
}
