package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/pkg/types"
)

// SearchOptions contains search parameters. Text, From and Subject are
// matched through the full-text index. Text only reaches bodies that have
// been fetched; UnfetchedBodies counts the messages it cannot see into.
type SearchOptions struct {
	AccountKey string
	Folder     string
	Text       string
	From       string
	Subject    string
	Since      *time.Time
	Before     *time.Time
	UnreadOnly bool
	Limit      int
}

// Search queries cached messages of one account. A query that matches
// nothing returns an empty slice and no error.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]types.Message, error) {
	conditions := []string{"m.account_key = ?", "m.removed_at IS NULL"}
	args := []interface{}{opts.AccountKey}

	if opts.Folder != "" {
		f, err := s.GetFolder(ctx, opts.AccountKey, opts.Folder)
		if mailerr.Is(err, mailerr.KindNotFound) {
			return []types.Message{}, nil
		}
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, "m.folder_id = ?")
		args = append(args, f.ID)
	}

	if match := matchExpression(opts); match != "" {
		conditions = append(conditions, "m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, match)
	}
	if opts.Since != nil {
		conditions = append(conditions, "m.date >= ?")
		args = append(args, toMillis(*opts.Since))
	}
	if opts.Before != nil {
		conditions = append(conditions, "m.date < ?")
		args = append(args, toMillis(*opts.Before))
	}
	if opts.UnreadOnly {
		conditions = append(conditions, "m.is_read = 0")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM messages m
		JOIN folders f ON m.folder_id = f.id
		WHERE %s
		ORDER BY m.date DESC, m.uid DESC
		LIMIT ?
	`, messageColumns, strings.Join(conditions, " AND "))
	args = append(args, limitOr(opts.Limit, 100))

	var rows []messageRow
	if err := s.db().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return toMessages(rows), nil
}

// matchExpression builds an FTS5 MATCH expression. Every word becomes a
// quoted prefix term so user input cannot inject FTS syntax.
func matchExpression(opts SearchOptions) string {
	var parts []string
	if t := ftsTerms(opts.Text); t != "" {
		parts = append(parts, t)
	}
	if t := ftsTerms(opts.Subject); t != "" {
		parts = append(parts, "subject : ("+t+")")
	}
	if t := ftsTerms(opts.From); t != "" {
		parts = append(parts, "{sender_name sender_email} : ("+t+")")
	}
	return strings.Join(parts, " AND ")
}

func ftsTerms(s string) string {
	var terms []string
	for _, word := range strings.Fields(s) {
		terms = append(terms, `"`+strings.ReplaceAll(word, `"`, `""`)+`"*`)
	}
	return strings.Join(terms, " AND ")
}

// UnfetchedBodies counts the live cached messages of an account, or of one
// of its folders, whose body has never been fetched
func (s *Store) UnfetchedBodies(ctx context.Context, accountKey, folder string) (int, error) {
	query := "SELECT COUNT(*) FROM messages WHERE account_key = ? AND removed_at IS NULL AND body_fetched = 0"
	args := []interface{}{accountKey}
	if folder != "" {
		f, err := s.GetFolder(ctx, accountKey, folder)
		if mailerr.Is(err, mailerr.KindNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		query += " AND folder_id = ?"
		args = append(args, f.ID)
	}
	var n int
	if err := s.db().GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count unfetched bodies: %w", err)
	}
	return n, nil
}
