package query

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/cache"
	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/pkg/types"
)

const reasonUnconfirmed = "server did not confirm the change"

// MutationRequest names the messages a batch mutation applies to
type MutationRequest struct {
	AccountKey string
	Folder     string
	IDs        []string
}

// applyFunc runs a mutation on resolved UIDs in the selected folder and
// returns the UIDs that reached the requested state. It may return a
// partial set together with an error.
type applyFunc func(sess email.Session, uids []uint32) ([]uint32, error)

// Mark sets or clears a flag ("read", "unread", "flagged", "unflagged")
func (s *Service) Mark(ctx context.Context, req MutationRequest, flag string) (*types.BatchResult, error) {
	imapFlag, op, err := email.FlagMutation(flag)
	if err != nil {
		return nil, err
	}

	result, done, folder, err := s.batch(ctx, req, "mark", nil, func(sess email.Session, uids []uint32) ([]uint32, error) {
		return sess.StoreFlags(uids, op, []string{imapFlag})
	})
	if err != nil {
		return nil, err
	}

	if len(done) > 0 {
		set := op == email.AddFlags
		update := cache.FlagUpdate{Read: &set}
		if strings.EqualFold(imapFlag, `\Flagged`) {
			update = cache.FlagUpdate{Flagged: &set}
		}
		updates := make(map[uint32]cache.FlagUpdate, len(done))
		for _, uid := range done {
			updates[uid] = update
		}
		s.updateCache(ctx, req.AccountKey, folder, "mark", func(folderID int64) error {
			return s.store.SetFlags(ctx, folderID, updates)
		})
	}
	return result, nil
}

// Delete permanently removes messages: flag, expunge, then verify that
// each message is gone
func (s *Service) Delete(ctx context.Context, req MutationRequest) (*types.BatchResult, error) {
	result, done, folder, err := s.batch(ctx, req, "delete", nil, func(sess email.Session, uids []uint32) ([]uint32, error) {
		return expunge(sess, uids)
	})
	if err != nil {
		return nil, err
	}
	s.dropCached(ctx, req.AccountKey, folder, "delete", done)
	return result, nil
}

// Move copies messages to dest and removes them from the source folder
func (s *Service) Move(ctx context.Context, req MutationRequest, dest string) (*types.BatchResult, error) {
	if strings.TrimSpace(dest) == "" {
		return nil, mailerr.Errorf(mailerr.KindInvalid, "move", "destination folder is required")
	}

	source := s.folderName(ctx, req.AccountKey, req.Folder)
	var target string
	prepare := func(sess email.Session) error {
		folders, err := sess.ListFolders()
		if err != nil {
			return err
		}
		for _, f := range folders {
			if !identity.SameFolder(f.Name, dest) || !f.Selectable {
				continue
			}
			if identity.SameFolder(f.Name, source) {
				return mailerr.Errorf(mailerr.KindInvalid, "move", "source and destination are the same folder")
			}
			target = f.Name
			return nil
		}
		return mailerr.Errorf(mailerr.KindNotFound, "move", "destination folder %q does not exist", dest)
	}

	result, done, folder, err := s.batch(ctx, req, "move", prepare, func(sess email.Session, uids []uint32) ([]uint32, error) {
		if err := sess.Copy(uids, target); err != nil {
			return nil, err
		}
		return expunge(sess, uids)
	})
	if err != nil {
		return nil, err
	}

	s.dropCached(ctx, req.AccountKey, folder, "move", done)
	if len(done) > 0 {
		if err := s.store.InvalidateFolder(ctx, req.AccountKey, target); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"account": req.AccountKey,
				"folder":  target,
			}).Warn("Failed to invalidate destination folder")
		}
	}
	return result, nil
}

// expunge flags uids deleted, expunges, and returns the UIDs that are
// verifiably gone afterwards
func expunge(sess email.Session, uids []uint32) ([]uint32, error) {
	flagged, err := sess.StoreFlags(uids, email.AddFlags, []string{email.DeletedFlag})
	if err != nil {
		return nil, err
	}
	if len(flagged) == 0 {
		return nil, nil
	}
	if err := sess.Expunge(); err != nil {
		return nil, err
	}

	remaining, err := sess.FetchFlags(flagged)
	if err != nil {
		return nil, err
	}
	gone := make([]uint32, 0, len(flagged))
	for _, uid := range flagged {
		if _, ok := remaining[uid]; !ok {
			gone = append(gone, uid)
		}
	}
	return gone, nil
}

// batch resolves req.IDs in the read-write selected folder and runs apply
// on them. Every identifier is reported: unresolvable ones and those apply
// did not confirm are failures. An error is returned only when nothing
// could be attempted.
func (s *Service) batch(ctx context.Context, req MutationRequest, op string, prepare func(email.Session) error, apply applyFunc) (*types.BatchResult, []uint32, string, error) {
	if _, err := s.resolve(req.AccountKey); err != nil {
		return nil, nil, "", err
	}
	ids := dedupe(req.IDs)
	if len(ids) == 0 {
		return nil, nil, "", mailerr.Errorf(mailerr.KindInvalid, op, "no message identifiers given")
	}
	folder := s.folderName(ctx, req.AccountKey, req.Folder)
	log := s.logger.WithFields(logrus.Fields{
		"operation": op,
		"account":   req.AccountKey,
		"folder":    folder,
	})

	var resolved []identity.Resolved
	var unresolved []identity.Unresolved
	var done []uint32
	var applyErr error
	err := s.sessions.WithSession(ctx, req.AccountKey, func(sess email.Session) error {
		if prepare != nil {
			if err := prepare(sess); err != nil {
				return err
			}
		}
		if _, err := selectFolder(sess, folder, false); err != nil {
			return err
		}
		var err error
		resolved, unresolved, err = identity.ResolveRefs(sess, ids, log)
		if err != nil {
			return err
		}
		if len(resolved) == 0 {
			return nil
		}
		uids := make([]uint32, len(resolved))
		for i, r := range resolved {
			uids[i] = r.UID
		}
		done, applyErr = apply(sess, uids)
		return applyErr
	})
	if err != nil && applyErr == nil {
		return nil, nil, folder, err
	}

	reasons := make(map[string]string, len(ids))
	for _, u := range unresolved {
		reasons[u.ID] = u.Err.Error()
	}
	confirmed := make(map[uint32]bool, len(done))
	for _, uid := range done {
		confirmed[uid] = true
	}
	succeeded := 0
	for _, r := range resolved {
		switch {
		case confirmed[r.UID]:
			succeeded++
		case applyErr != nil:
			reasons[r.ID] = applyErr.Error()
		default:
			reasons[r.ID] = reasonUnconfirmed
		}
	}

	var failed []types.FailedItem
	for _, id := range ids {
		if reason, ok := reasons[id]; ok {
			failed = append(failed, types.FailedItem{ID: id, Reason: reason})
		}
	}

	result := types.NewBatchResult(succeeded, failed)
	entry := log.WithFields(logrus.Fields{"requested": len(ids), "succeeded": succeeded, "failed": len(failed)})
	if result.Success {
		entry.Info("Batch mutation completed")
	} else {
		entry.Warn("Batch mutation partially failed")
	}
	return result, done, folder, nil
}

// updateCache applies a cache change for a folder after a confirmed
// server mutation. Failures are logged; the server state is authoritative.
func (s *Service) updateCache(ctx context.Context, key, folder, op string, fn func(folderID int64) error) {
	f, err := s.store.GetFolder(ctx, key, folder)
	if mailerr.Is(err, mailerr.KindNotFound) {
		return
	}
	if err == nil {
		err = fn(f.ID)
	}
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"account":   key,
			"folder":    folder,
		}).Warn("Failed to update cache after mutation")
	}
}

func (s *Service) dropCached(ctx context.Context, key, folder, op string, uids []uint32) {
	if len(uids) == 0 {
		return
	}
	s.updateCache(ctx, key, folder, op, func(folderID int64) error {
		_, err := s.store.MarkDeleted(ctx, folderID, uids)
		return err
	})
}

// Send delivers an outgoing message from the account and returns its
// Message-ID
func (s *Service) Send(ctx context.Context, key string, msg *email.OutgoingMessage) (string, error) {
	acc, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if msg == nil || len(email.Recipients(msg)) == 0 {
		return "", mailerr.Errorf(mailerr.KindInvalid, "send", "at least one recipient is required")
	}
	return s.sender.Send(ctx, acc, msg)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
