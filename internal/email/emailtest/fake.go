// Package emailtest provides an in-memory mailbox server for tests.
package emailtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/pkg/types"
)

// Message is a message held by the fake server
type Message struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	Body      string
	Read      bool
	Flagged   bool
	Deleted   bool
}

type folder struct {
	name        string
	uidValidity uint32
	uidNext     uint32
	msgs        []*Message
}

// Mailbox is one account's remote state
type Mailbox struct {
	mu       sync.Mutex
	folders  map[string]*folder
	commands map[string]int
	failNext error
	added    int
	// IgnoreStore makes STORE succeed without changing anything
	IgnoreStore bool
}

// NewMailbox creates a mailbox with an empty INBOX
func NewMailbox() *Mailbox {
	m := &Mailbox{folders: make(map[string]*folder), commands: make(map[string]int)}
	m.AddFolder("INBOX")
	return m
}

// AddFolder creates a folder
func (m *Mailbox) AddFolder(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[name]; !ok {
		m.folders[name] = &folder{name: name, uidValidity: 1, uidNext: 1}
	}
}

// SetUIDNext forces the next assigned UID of a folder
func (m *Mailbox) SetUIDNext(name string, next uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[name].uidNext = next
}

// ResetUIDValidity simulates a server renumbering a folder
func (m *Mailbox) ResetUIDValidity(name string, validity uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[name].uidValidity = validity
}

// Add appends a message and returns its UID
func (m *Mailbox) Add(folderName, subject, from string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.folders[folderName]
	uid := f.uidNext
	f.uidNext++
	m.added++
	f.msgs = append(f.msgs, &Message{
		UID:       uid,
		MessageID: fmt.Sprintf("<%d.%d@mail.example.com>", m.added, uid),
		Subject:   subject,
		From:      from,
		Date:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		Body:      "Body of " + subject,
	})
	return uid
}

// Remove deletes a message as another client would
func (m *Mailbox) Remove(folderName string, uid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.folders[folderName]
	for i, msg := range f.msgs {
		if msg.UID == uid {
			f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
			return
		}
	}
}

// UIDs returns the UIDs currently in a folder
func (m *Mailbox) UIDs(folderName string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for _, msg := range m.folders[folderName].msgs {
		out = append(out, msg.UID)
	}
	return out
}

// Get returns a copy of a message
func (m *Mailbox) Get(folderName string, uid uint32) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.folders[folderName].msgs {
		if msg.UID == uid {
			return *msg, true
		}
	}
	return Message{}, false
}

// FailNext makes the next command fail with err
func (m *Mailbox) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Commands returns how many times a command was issued
func (m *Mailbox) Commands(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commands[name]
}

// command records a command and returns an injected failure. Callers hold m.mu.
func (m *Mailbox) command(name string) error {
	m.commands[name]++
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	return nil
}

// Dialer opens sessions against registered mailboxes
type Dialer struct {
	mu       sync.Mutex
	boxes    map[string]*Mailbox
	dials    int
	open     map[string]int
	maxOpen  map[string]int
	failures []error
	Delay    time.Duration
}

// NewDialer creates a dialer with no mailboxes
func NewDialer() *Dialer {
	return &Dialer{
		boxes:   make(map[string]*Mailbox),
		open:    make(map[string]int),
		maxOpen: make(map[string]int),
	}
}

// Register serves box for the account key
func (d *Dialer) Register(key string, box *Mailbox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxes[key] = box
}

// FailDials queues errors returned by the next dials
func (d *Dialer) FailDials(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// Dials returns the number of successful dials
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Open returns the number of currently open sessions for key
func (d *Dialer) Open(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[key]
}

// MaxOpen returns the highest number of simultaneously open sessions for key
func (d *Dialer) MaxOpen(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen[key]
}

// Dial implements email.Dialer
func (d *Dialer) Dial(ctx context.Context, acc *config.AccountConfig) (email.Session, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	box, ok := d.boxes[acc.Key]
	if !ok {
		return nil, mailerr.Errorf(mailerr.KindNetwork, "dial", "no server for %s", acc.Key)
	}
	d.dials++
	d.open[acc.Key]++
	if d.open[acc.Key] > d.maxOpen[acc.Key] {
		d.maxOpen[acc.Key] = d.open[acc.Key]
	}
	return &Session{dialer: d, box: box, key: acc.Key}, nil
}

func (d *Dialer) closed(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open[key]--
}

// Session is a fake authenticated session
type Session struct {
	dialer   *Dialer
	box      *Mailbox
	key      string
	selected string
	closed   bool
	// NoopErr is returned by Noop when set
	NoopErr error
}

var errNotSelected = errors.New("BAD no mailbox selected")

func (s *Session) AccountKey() string { return s.key }

func (s *Session) Noop() error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("NOOP"); err != nil {
		return err
	}
	return s.NoopErr
}

func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.dialer.closed(s.key)
	return nil
}

func (s *Session) ListFolders() ([]types.Folder, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("LIST"); err != nil {
		return nil, err
	}
	var out []types.Folder
	for name := range s.box.folders {
		display, parent := name, ""
		if i := strings.LastIndex(name, "/"); i > 0 {
			display, parent = name[i+1:], name[:i]
		}
		out = append(out, types.Folder{AccountKey: s.key, Name: name, DisplayName: display, Parent: parent, Delimiter: "/", Selectable: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Session) Select(name string, readOnly bool) (*types.FolderStatus, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("SELECT"); err != nil {
		return nil, err
	}
	f, ok := s.box.folders[name]
	if !ok {
		return nil, fmt.Errorf("NO [NONEXISTENT] no such mailbox %q", name)
	}
	s.selected = name
	var unseen uint32
	for _, m := range f.msgs {
		if !m.Read {
			unseen++
		}
	}
	return &types.FolderStatus{Name: name, Messages: uint32(len(f.msgs)), Unseen: unseen, UIDNext: f.uidNext, UIDValidity: f.uidValidity}, nil
}

func (s *Session) folder() (*folder, error) {
	f, ok := s.box.folders[s.selected]
	if !ok {
		return nil, errNotSelected
	}
	return f, nil
}

func (s *Session) SearchUIDs(c email.Criteria) ([]uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("UID SEARCH"); err != nil {
		return nil, err
	}
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, m := range f.msgs {
		switch {
		case m.Deleted, m.UID < c.MinUID:
			continue
		case c.Unseen && m.Read:
			continue
		case c.Subject != "" && !containsFold(m.Subject, c.Subject):
			continue
		case c.From != "" && !containsFold(m.From, c.From):
			continue
		case c.Text != "" && !containsFold(m.Subject+" "+m.From+" "+m.Body, c.Text):
			continue
		}
		out = append(out, m.UID)
	}
	return out, nil
}

func (s *Session) ExistingUIDs(uids []uint32) ([]uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("UID SEARCH"); err != nil {
		return nil, err
	}
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	var out []uint32
	for _, m := range f.msgs {
		if want[m.UID] && !m.Deleted {
			out = append(out, m.UID)
		}
	}
	return out, nil
}

func (s *Session) UIDForSequence(seq uint32) (uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("FETCH"); err != nil {
		return 0, err
	}
	f, err := s.folder()
	if err != nil {
		return 0, err
	}
	if seq == 0 || int(seq) > len(f.msgs) {
		return 0, nil
	}
	return f.msgs[seq-1].UID, nil
}

func (s *Session) FetchHeaders(uids []uint32) ([]*types.Message, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("UID FETCH"); err != nil {
		return nil, err
	}
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	out := []*types.Message{}
	for i, m := range f.msgs {
		if !want[m.UID] {
			continue
		}
		out = append(out, &types.Message{
			ID:         identity.FormatUID(m.UID),
			AccountKey: s.key,
			Folder:     f.name,
			UID:        m.UID,
			SeqNum:     uint32(i + 1),
			MessageID:  m.MessageID,
			Subject:    m.Subject,
			From:       types.Address{Email: m.From},
			Date:       m.Date,
			Size:       uint32(len(m.Body)),
			Read:       m.Read,
			Flagged:    m.Flagged,
			Deleted:    m.Deleted,
		})
	}
	return out, nil
}

func (s *Session) FetchFlags(uids []uint32) (map[uint32]email.FlagState, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("UID FETCH"); err != nil {
		return nil, err
	}
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	out := make(map[uint32]email.FlagState)
	for _, m := range f.msgs {
		if want[m.UID] {
			out[m.UID] = email.FlagState{Read: m.Read, Flagged: m.Flagged, Deleted: m.Deleted}
		}
	}
	return out, nil
}

func (s *Session) FetchContent(uid uint32) (*types.MessageContent, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("UID FETCH BODY"); err != nil {
		return nil, err
	}
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	for _, m := range f.msgs {
		if m.UID == uid {
			return &types.MessageContent{
				Text:      m.Body,
				FetchedAt: time.Now().UTC(),
				Attachments: []types.Attachment{
					{Filename: "a.txt", ContentType: "text/plain", Size: 1},
					{Filename: "b.txt", ContentType: "text/plain", Size: 2},
				},
			}, nil
		}
	}
	return nil, mailerr.Errorf(mailerr.KindNotFound, "fetch content", "message %d not found", uid)
}

func (s *Session) StoreFlags(uids []uint32, op email.FlagOp, flags []string) ([]uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("UID STORE"); err != nil {
		return nil, err
	}
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	if s.box.IgnoreStore {
		return nil, nil
	}
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	var out []uint32
	for _, m := range f.msgs {
		if !want[m.UID] {
			continue
		}
		for _, flag := range flags {
			set := op == email.AddFlags
			switch flag {
			case "\\Seen":
				m.Read = set
			case "\\Flagged":
				m.Flagged = set
			case "\\Deleted":
				m.Deleted = set
			}
		}
		out = append(out, m.UID)
	}
	return out, nil
}

func (s *Session) Copy(uids []uint32, dest string) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("UID COPY"); err != nil {
		return err
	}
	f, err := s.folder()
	if err != nil {
		return err
	}
	to, ok := s.box.folders[dest]
	if !ok {
		return fmt.Errorf("NO [TRYCREATE] no such mailbox %q", dest)
	}
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	for _, m := range f.msgs {
		if want[m.UID] {
			cp := *m
			cp.UID = to.uidNext
			cp.Deleted = false
			to.uidNext++
			to.msgs = append(to.msgs, &cp)
		}
	}
	return nil
}

func (s *Session) Expunge() error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.command("EXPUNGE"); err != nil {
		return err
	}
	f, err := s.folder()
	if err != nil {
		return err
	}
	kept := f.msgs[:0]
	for _, m := range f.msgs {
		if !m.Deleted {
			kept = append(kept, m)
		}
	}
	f.msgs = kept
	return nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
