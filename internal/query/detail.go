package query

import (
	"context"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/metrics"
	"github.com/brandon/mailcore/pkg/types"
)

// GetMessage returns one message with its body. Content fetched earlier is
// served from the cache once the server confirms the message is still
// there under the same UIDVALIDITY; otherwise the message is fetched live
// and the content cached for next time. A stable identifier the server no
// longer knows is reported as not found and its cached row is dropped.
func (s *Service) GetMessage(ctx context.Context, key, folder, id string) (*types.MessageDetail, error) {
	const op = "get_message"
	if _, err := s.resolve(key); err != nil {
		return nil, err
	}
	ref, err := identity.ParseMessageRef(id)
	if err != nil {
		return nil, err
	}
	folder = s.folderName(ctx, key, folder)

	if ref.Kind == identity.Stable {
		detail, f, err := s.cachedDetail(ctx, key, folder, ref.Value)
		switch {
		case err == nil:
			valid, err := s.confirmCached(ctx, key, f, detail)
			if err != nil {
				return nil, err
			}
			if valid {
				metrics.RecordCacheLookup(op, "hit")
				return s.truncate(detail), nil
			}
			metrics.RecordCacheLookup(op, "stale")
		case mailerr.Is(err, mailerr.KindNotFound):
			metrics.RecordCacheLookup(op, "stale")
		default:
			s.cacheError(op, key, err)
		}
	} else {
		metrics.RecordCacheLookup(op, "bypass")
	}

	detail, err := s.liveDetail(ctx, key, folder, ref)
	if err != nil {
		return nil, err
	}
	return s.truncate(detail), nil
}

func (s *Service) cachedDetail(ctx context.Context, key, folder string, uid uint32) (*types.MessageDetail, *types.Folder, error) {
	f, err := s.store.GetFolder(ctx, key, folder)
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.store.GetMessageByUID(ctx, key, f.Name, uid)
	if err != nil {
		return nil, nil, err
	}
	if !msg.BodyFetched {
		return nil, nil, mailerr.Errorf(mailerr.KindNotFound, "cached content", "content of %d not cached", uid)
	}
	content, err := s.store.GetContent(ctx, f.ID, uid)
	if err != nil {
		return nil, nil, err
	}
	return &types.MessageDetail{Message: *msg, Content: *content, Source: types.SourceCache}, f, nil
}

// confirmCached checks a cached detail against the server without fetching
// the body. A renumbered folder makes the copy invalid. A message the
// server no longer has is not found. Current flags are copied onto d.
func (s *Service) confirmCached(ctx context.Context, key string, f *types.Folder, d *types.MessageDetail) (bool, error) {
	var status *types.FolderStatus
	var state email.FlagState
	var present bool
	err := s.sessions.WithSession(ctx, key, func(sess email.Session) error {
		st, err := selectFolder(sess, f.Name, true)
		if err != nil {
			return err
		}
		status = st
		if st.UIDValidity != f.UIDValidity {
			return nil
		}
		states, err := sess.FetchFlags([]uint32{d.UID})
		if err != nil {
			return err
		}
		state, present = states[d.UID]
		return nil
	})
	if err != nil {
		return false, err
	}

	if status.UIDValidity != f.UIDValidity {
		if err := s.checkUIDValidity(ctx, key, f.Name, f.ID, status.UIDValidity); err != nil {
			s.cacheError("get_message", key, err)
		}
		return false, nil
	}
	if !present || state.Deleted {
		s.forget(key, f.Name, d.UID)
		return false, mailerr.Errorf(mailerr.KindNotFound, "get message", "no message with uid %d", d.UID)
	}
	d.Read, d.Flagged = state.Read, state.Flagged
	return true, nil
}

func (s *Service) liveDetail(ctx context.Context, key, folder string, ref identity.MessageRef) (*types.MessageDetail, error) {
	log := s.logger.WithFields(logrus.Fields{"account": key, "folder": folder, "id": ref.Raw})

	var msg *types.Message
	var content *types.MessageContent
	var status *types.FolderStatus
	var missing uint32
	err := s.sessions.WithSession(ctx, key, func(sess email.Session) error {
		st, err := selectFolder(sess, folder, true)
		if err != nil {
			return err
		}
		status = st
		resolved, unresolved, err := identity.ResolveRefs(sess, []string{ref.Raw}, log)
		if err != nil {
			return err
		}
		if len(unresolved) > 0 {
			if ref.Kind == identity.Stable {
				missing = ref.Value
			}
			return unresolved[0].Err
		}
		uid := resolved[0].UID

		headers, err := sess.FetchHeaders([]uint32{uid})
		if err != nil {
			return err
		}
		if len(headers) == 0 {
			missing = uid
			return mailerr.Errorf(mailerr.KindNotFound, "get message", "no message with uid %d", uid)
		}
		msg = headers[0]

		content, err = sess.FetchContent(uid)
		return err
	})
	if missing != 0 {
		s.forget(key, folder, missing)
	}
	if err != nil {
		return nil, err
	}

	content.FetchedAt = s.now()
	msg.BodyFetched = true
	s.cacheContent(key, folder, status, msg, content)

	return &types.MessageDetail{Message: *msg, Content: *content, Source: types.SourceLive}, nil
}

func (s *Service) cacheContent(key, folder string, status *types.FolderStatus, msg *types.Message, content *types.MessageContent) {
	saved := *content
	saved.Attachments = append([]types.Attachment(nil), content.Attachments...)
	s.persist("cache_content", key, func(ctx context.Context) error {
		folderID, err := s.store.UpsertFolder(ctx, &types.Folder{AccountKey: key, Name: folder, Selectable: true})
		if err != nil {
			return err
		}
		if err := s.checkUIDValidity(ctx, key, folder, folderID, status.UIDValidity); err != nil {
			return err
		}
		if _, err := s.store.UpsertMessages(ctx, folderID, []*types.Message{msg}); err != nil {
			return err
		}
		return s.store.SaveContent(ctx, folderID, msg.UID, &saved)
	})
}

// forget soft-deletes a cached row the server no longer has
func (s *Service) forget(key, folder string, uid uint32) {
	s.persist("forget_message", key, func(ctx context.Context) error {
		f, err := s.store.GetFolder(ctx, key, folder)
		if mailerr.Is(err, mailerr.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = s.store.MarkDeleted(ctx, f.ID, []uint32{uid})
		return err
	})
}

// truncate applies the detail view limits. The full attachment count is
// always reported.
func (s *Service) truncate(d *types.MessageDetail) *types.MessageDetail {
	d.TotalAttachments = len(d.Content.Attachments)

	if limit := s.cfg.BodyMaxBytes; limit > 0 {
		var cut bool
		if len(d.Content.Text) > limit {
			s.logger.WithFields(logrus.Fields{
				"id":    d.ID,
				"size":  humanize.Bytes(uint64(len(d.Content.Text))),
				"limit": humanize.Bytes(uint64(limit)),
			}).Debug("Truncating message body")
			d.Content.Text, cut = truncateUTF8(d.Content.Text, limit), true
		}
		if len(d.Content.HTML) > limit {
			d.Content.HTML, cut = truncateUTF8(d.Content.HTML, limit), true
		}
		d.BodyTruncated = cut
	}

	if limit := s.cfg.AttachmentMaxCount; limit > 0 && len(d.Content.Attachments) > limit {
		d.Content.Attachments = d.Content.Attachments[:limit]
		d.AttachmentsTruncated = true
	}
	return d
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
