package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/pkg/types"
)

// IMAPDialer opens authenticated IMAP sessions
type IMAPDialer struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Logger         *logrus.Logger
}

// NewIMAPDialer creates a dialer with the given command timeout
func NewIMAPDialer(commandTimeout time.Duration, logger *logrus.Logger) *IMAPDialer {
	return &IMAPDialer{
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: commandTimeout,
		Logger:         logger,
	}
}

// Dial connects and logs in. Login failures are reported as
// authentication errors unless the transport itself failed.
func (d *IMAPDialer) Dial(ctx context.Context, acc *config.AccountConfig) (Session, error) {
	addr := net.JoinHostPort(acc.IMAPHost, strconv.Itoa(acc.IMAPPort))
	dialer := &net.Dialer{Timeout: d.ConnectTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	tlsConfig := &tls.Config{
		ServerName: acc.IMAPHost,
		MinVersion: tls.VersionTLS12,
	}

	var cl *client.Client
	var err error
	if acc.IMAPPort == 993 {
		cl, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		cl, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			if ok, _ := cl.SupportStartTLS(); ok {
				if err = cl.StartTLS(tlsConfig); err != nil {
					cl.Logout() //nolint:errcheck
				}
			}
		}
	}
	if err != nil {
		return nil, mailerr.E(transportKind(err), "imap connect", err)
	}
	cl.Timeout = d.CommandTimeout

	if err := cl.Login(acc.IMAPUsername, acc.IMAPPassword); err != nil {
		cl.Logout() //nolint:errcheck
		kind := mailerr.Classify(err)
		if !mailerr.Transport(kind) && kind != mailerr.KindRateLimited {
			kind = mailerr.KindAuth
		}
		return nil, mailerr.E(kind, "imap login", err)
	}

	if d.Logger != nil {
		d.Logger.WithField("account", acc.Key).Debug("Connected to IMAP server")
	}
	return &IMAPSession{
		key:    acc.Key,
		client: cl,
		logger: d.Logger,
	}, nil
}

func transportKind(err error) mailerr.Kind {
	kind := mailerr.Classify(err)
	if kind == mailerr.KindOther {
		return mailerr.KindNetwork
	}
	return kind
}

// IMAPSession wraps one logged-in go-imap client
type IMAPSession struct {
	key    string
	client *client.Client
	logger *logrus.Logger
}

// AccountKey returns the canonical key the session was opened for
func (s *IMAPSession) AccountKey() string {
	return s.key
}

// Noop is the lightweight health check
func (s *IMAPSession) Noop() error {
	return s.client.Noop()
}

// Close logs out
func (s *IMAPSession) Close() error {
	if err := s.client.Logout(); err != nil && err != client.ErrAlreadyLoggedOut {
		return err
	}
	return nil
}

// ListFolders lists all mailboxes/folders
func (s *IMAPSession) ListFolders() ([]types.Folder, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []types.Folder
	for m := range mailboxes {
		folders = append(folders, folderFromInfo(s.key, m))
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// Select opens a folder
func (s *IMAPSession) Select(folder string, readOnly bool) (*types.FolderStatus, error) {
	mbox, err := s.client.Select(folder, readOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %q: %w", folder, err)
	}
	return &types.FolderStatus{
		Name:        folder,
		Messages:    mbox.Messages,
		Unseen:      mbox.Unseen,
		UIDNext:     mbox.UidNext,
		UIDValidity: mbox.UidValidity,
	}, nil
}

// SearchUIDs runs UID SEARCH. Messages flagged for deletion are excluded.
func (s *IMAPSession) SearchUIDs(c Criteria) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	if c.MinUID > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(c.MinUID, 0)
	}
	if c.Text != "" {
		criteria.Text = []string{c.Text}
	}
	if c.From != "" {
		criteria.Header.Add("From", c.From)
	}
	if c.Subject != "" {
		criteria.Header.Add("Subject", c.Subject)
	}
	if !c.Since.IsZero() {
		criteria.Since = c.Since
	}
	if !c.Before.IsZero() {
		criteria.Before = c.Before
	}
	if c.Unseen {
		criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
	}

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	// "n:*" always matches the highest UID, even below n
	out := uids[:0]
	for _, uid := range uids {
		if uid >= c.MinUID {
			out = append(out, uid)
		}
	}
	sortUIDs(out)
	return out, nil
}

// ExistingUIDs returns which of uids exist in the selected folder
func (s *IMAPSession) ExistingUIDs(uids []uint32) ([]uint32, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	criteria := imap.NewSearchCriteria()
	criteria.Uid = uidSet(uids)
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	found, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to verify uids: %w", err)
	}
	return found, nil
}

// UIDForSequence maps a positional identifier to its UID
func (s *IMAPSession) UIDForSequence(seq uint32) (uint32, error) {
	if mbox := s.client.Mailbox(); mbox == nil || seq > mbox.Messages {
		return 0, nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(seq)

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.Fetch(seqset, []imap.FetchItem{imap.FetchUid}, messages)
	}()

	var uid uint32
	for msg := range messages {
		uid = msg.Uid
	}
	if err := <-done; err != nil {
		return 0, fmt.Errorf("failed to fetch uid for sequence %d: %w", seq, err)
	}
	return uid, nil
}

// FetchHeaders fetches envelope metadata only, never bodies
func (s *IMAPSession) FetchHeaders(uids []uint32) ([]*types.Message, error) {
	if len(uids) == 0 {
		return []*types.Message{}, nil
	}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchRFC822Size, imap.FetchUid}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(uidSet(uids), items, messages)
	}()

	var out []*types.Message
	for msg := range messages {
		out = append(out, MessageFromIMAP(s.key, s.selected(), msg))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// FetchFlags fetches the current flags of uids
func (s *IMAPSession) FetchFlags(uids []uint32) (map[uint32]FlagState, error) {
	states := make(map[uint32]FlagState, len(uids))
	if len(uids) == 0 {
		return states, nil
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(uidSet(uids), []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, messages)
	}()
	for msg := range messages {
		states[msg.Uid] = flagStateOf(msg.Flags)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}
	return states, nil
}

// FetchContent fetches and parses the full message without setting \Seen
func (s *IMAPSession) FetchContent(uid uint32) (*types.MessageContent, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(uidSet([]uint32{uid}), items, messages)
	}()

	var raw []byte
	found := false
	for msg := range messages {
		if msg.Uid != uid {
			continue
		}
		found = true
		if literal := msg.GetBody(section); literal != nil {
			b, err := io.ReadAll(literal)
			if err != nil && s.logger != nil {
				s.logger.WithError(err).Warn("Error reading literal")
			}
			raw = b
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if !found {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "fetch content", "message %d not found", uid)
	}

	return ParseContent(raw, s.logger), nil
}

// StoreFlags issues UID STORE with a parenthesized flag list and returns
// the UIDs whose new state the server confirmed.
func (s *IMAPSession) StoreFlags(uids []uint32, op FlagOp, flags []string) ([]uint32, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	imapOp := imap.AddFlags
	if op == RemoveFlags {
		imapOp = imap.RemoveFlags
	}
	item := imap.FormatFlagsOp(imapOp, false)
	value := make([]interface{}, len(flags))
	for i, f := range flags {
		value[i] = f
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidStore(uidSet(uids), item, value, messages)
	}()

	confirmed := make(map[uint32]bool, len(uids))
	for msg := range messages {
		if msg.Uid != 0 && flagsApplied(msg.Flags, op, flags) {
			confirmed[msg.Uid] = true
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to store flags: %w", err)
	}

	// Some servers omit the untagged FETCH; re-read what was not echoed.
	var unconfirmed []uint32
	for _, uid := range uids {
		if !confirmed[uid] {
			unconfirmed = append(unconfirmed, uid)
		}
	}
	if len(unconfirmed) > 0 {
		if err := s.verifyFlags(unconfirmed, op, flags, confirmed); err != nil {
			return nil, err
		}
	}

	out := make([]uint32, 0, len(confirmed))
	for uid := range confirmed {
		out = append(out, uid)
	}
	sortUIDs(out)
	return out, nil
}

func (s *IMAPSession) verifyFlags(uids []uint32, op FlagOp, flags []string, confirmed map[uint32]bool) error {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(uidSet(uids), []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, messages)
	}()
	for msg := range messages {
		if flagsApplied(msg.Flags, op, flags) {
			confirmed[msg.Uid] = true
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to verify flags: %w", err)
	}
	return nil
}

// Copy issues UID COPY
func (s *IMAPSession) Copy(uids []uint32, dest string) error {
	if err := s.client.UidCopy(uidSet(uids), dest); err != nil {
		return fmt.Errorf("failed to copy to %q: %w", dest, err)
	}
	return nil
}

// Expunge purges messages flagged for deletion in the selected folder
func (s *IMAPSession) Expunge() error {
	if err := s.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

func (s *IMAPSession) selected() string {
	if mbox := s.client.Mailbox(); mbox != nil {
		return mbox.Name
	}
	return ""
}

func uidSet(uids []uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	return set
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}

// ParseContent parses a raw RFC 5322 message with enmime
func ParseContent(raw []byte, logger *logrus.Logger) *types.MessageContent {
	content := &types.MessageContent{FetchedAt: time.Now().UTC()}
	if len(raw) == 0 {
		return content
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Fallback: keep the raw text
		if logger != nil {
			logger.WithError(err).Debug("Failed to parse with enmime, using raw body")
		}
		content.Text = string(raw)
		return content
	}

	content.Text = env.Text
	content.HTML = env.HTML
	for _, part := range env.Attachments {
		content.Attachments = append(content.Attachments, types.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        len(part.Content),
		})
	}
	return content
}
