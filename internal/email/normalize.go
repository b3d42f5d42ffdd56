package email

import (
	"strings"

	"github.com/emersion/go-imap"

	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/pkg/types"
)

// MessageFromIMAP converts a fetched message into the normalized record.
// A missing envelope yields empty header fields rather than a nil value.
func MessageFromIMAP(accountKey, folder string, msg *imap.Message) *types.Message {
	m := &types.Message{
		ID:         identity.FormatUID(msg.Uid),
		AccountKey: accountKey,
		Folder:     folder,
		UID:        msg.Uid,
		SeqNum:     msg.SeqNum,
		Size:       msg.Size,
		Date:       msg.InternalDate,
	}

	if env := msg.Envelope; env != nil {
		m.MessageID = env.MessageId
		m.Subject = env.Subject
		if !env.Date.IsZero() {
			m.Date = env.Date
		}
		if from := addresses(env.From); len(from) > 0 {
			m.From = from[0]
		}
		m.To = addresses(env.To)
		m.Cc = addresses(env.Cc)
	}
	m.Date = m.Date.UTC()

	state := flagStateOf(msg.Flags)
	m.Read = state.Read
	m.Flagged = state.Flagged
	m.Deleted = state.Deleted
	return m
}

func addresses(list []*imap.Address) []types.Address {
	out := make([]types.Address, 0, len(list))
	for _, a := range list {
		if a == nil || a.MailboxName == "" {
			continue
		}
		out = append(out, types.Address{Name: a.PersonalName, Email: strings.ToLower(a.Address())})
	}
	return out
}

func folderFromInfo(accountKey string, m *imap.MailboxInfo) types.Folder {
	f := types.Folder{
		AccountKey:  accountKey,
		Name:        m.Name,
		DisplayName: m.Name,
		Delimiter:   m.Delimiter,
		Selectable:  true,
	}
	if m.Delimiter != "" {
		if i := strings.LastIndex(m.Name, m.Delimiter); i > 0 {
			f.Parent = m.Name[:i]
			f.DisplayName = m.Name[i+len(m.Delimiter):]
		}
	}
	for _, attr := range m.Attributes {
		if strings.EqualFold(attr, imap.NoSelectAttr) || strings.EqualFold(attr, "\\NonExistent") {
			f.Selectable = false
		}
	}
	return f
}

func flagStateOf(flags []string) FlagState {
	var s FlagState
	for _, f := range flags {
		switch {
		case strings.EqualFold(f, imap.SeenFlag):
			s.Read = true
		case strings.EqualFold(f, imap.FlaggedFlag):
			s.Flagged = true
		case strings.EqualFold(f, imap.DeletedFlag):
			s.Deleted = true
		}
	}
	return s
}

func flagsApplied(have []string, op FlagOp, want []string) bool {
	for _, w := range want {
		present := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				present = true
				break
			}
		}
		if present != (op == AddFlags) {
			return false
		}
	}
	return true
}

// Flag names accepted from callers
const (
	FlagRead      = "read"
	FlagUnread    = "unread"
	FlagFlagged   = "flagged"
	FlagUnflagged = "unflagged"
)

// FlagMutation translates a caller-level flag name into a protocol flag and
// direction. Only system flags are produced, so a malformed token can never
// reach the server.
func FlagMutation(name string) (string, FlagOp, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FlagRead, "seen":
		return imap.SeenFlag, AddFlags, nil
	case FlagUnread, "unseen":
		return imap.SeenFlag, RemoveFlags, nil
	case FlagFlagged, "starred":
		return imap.FlaggedFlag, AddFlags, nil
	case FlagUnflagged, "unstarred":
		return imap.FlaggedFlag, RemoveFlags, nil
	}
	return "", AddFlags, mailerr.Errorf(mailerr.KindInvalid, "mark", "unsupported flag %q", name)
}

// DeletedFlag is the protocol flag set before an expunge
const DeletedFlag = imap.DeletedFlag
