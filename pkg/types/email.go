package types

import "time"

// DataSource tells a caller where a read result came from
type DataSource string

const (
	SourceCache DataSource = "cache"
	SourceLive  DataSource = "live"
)

// SyncStatus is the per-account sync state
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncKind distinguishes incremental and full passes
type SyncKind string

const (
	SyncIncremental SyncKind = "incremental"
	SyncFull        SyncKind = "full"
)

// Account is a configured mailbox as mirrored in the cache
type Account struct {
	Key        string     `json:"account_key"`
	Email      string     `json:"email"`
	Provider   string     `json:"provider"`
	IsDefault  bool       `json:"is_default"`
	LastSync   *time.Time `json:"last_sync,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
}

// Folder represents an email folder/mailbox scoped to one account
type Folder struct {
	ID          int64      `json:"id"`
	AccountKey  string     `json:"account_key"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	Parent      string     `json:"parent,omitempty"`
	Delimiter   string     `json:"delimiter,omitempty"`
	Selectable  bool       `json:"selectable"`
	Messages    int        `json:"message_count"`
	Unread      int        `json:"unread_count"`
	UIDValidity uint32     `json:"uid_validity,omitempty"`
	UIDNext     uint32     `json:"uid_next,omitempty"`
	Watermark   uint32     `json:"watermark"`
	LastSynced  *time.Time `json:"last_synced,omitempty"`
}

// FolderStatus is the state reported by the server when a folder is selected
type FolderStatus struct {
	Name        string
	Messages    uint32
	Unseen      uint32
	UIDNext     uint32
	UIDValidity uint32
}

// Address is a normalized mail participant
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message is a mirrored message record. ID is the stable per-mailbox
// identifier (the UID) rendered as a string.
type Message struct {
	ID          string    `json:"id"`
	AccountKey  string    `json:"account_key"`
	Folder      string    `json:"folder"`
	UID         uint32    `json:"uid"`
	SeqNum      uint32    `json:"-"`
	MessageID   string    `json:"message_id,omitempty"`
	Subject     string    `json:"subject"`
	From        Address   `json:"from"`
	To          []Address `json:"to,omitempty"`
	Cc          []Address `json:"cc,omitempty"`
	Date        time.Time `json:"date"`
	Size        uint32    `json:"size"`
	Read        bool      `json:"read"`
	Flagged     bool      `json:"flagged"`
	Deleted     bool      `json:"deleted"`
	BodyFetched bool      `json:"body_fetched"`
}

// Attachment is attachment metadata; content is never cached
type Attachment struct {
	Filename    string `json:"filename" db:"filename"`
	ContentType string `json:"content_type" db:"content_type"`
	Size        int    `json:"size" db:"size"`
}

// MessageContent is the body of a message fetched on demand
type MessageContent struct {
	Text        string       `json:"body_text,omitempty"`
	HTML        string       `json:"body_html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	FetchedAt   time.Time    `json:"fetched_at"`
}

// MessageDetail is a message with its content, as returned to callers
type MessageDetail struct {
	Message
	Content              MessageContent `json:"content"`
	BodyTruncated        bool           `json:"body_truncated"`
	AttachmentsTruncated bool           `json:"attachments_truncated"`
	TotalAttachments     int            `json:"total_attachments"`
	Source               DataSource     `json:"source"`
}

// SyncEvent is one append-only sync attempt log row
type SyncEvent struct {
	ID             int64     `json:"id"`
	AttemptID      string    `json:"attempt_id"`
	AccountKey     string    `json:"account_key"`
	Kind           SyncKind  `json:"kind"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	MessagesSynced int       `json:"messages_synced"`
	Success        bool      `json:"success"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// FailedItem names one item of a batch mutation that did not succeed
type FailedItem struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult reports a batch mutation. Success is true only when every
// item succeeded.
type BatchResult struct {
	Success   bool         `json:"success"`
	Succeeded int          `json:"succeeded"`
	Failed    []FailedItem `json:"failed"`
}

// FailedIDs returns the identifiers of the failed items
func (r *BatchResult) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ID
	}
	return ids
}

// NewBatchResult builds a result from the succeeded count and failures
func NewBatchResult(succeeded int, failed []FailedItem) *BatchResult {
	if failed == nil {
		failed = []FailedItem{}
	}
	return &BatchResult{
		Success:   len(failed) == 0,
		Succeeded: succeeded,
		Failed:    failed,
	}
}
