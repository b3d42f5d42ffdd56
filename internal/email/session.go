package email

import (
	"context"
	"time"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/pkg/types"
)

// FlagOp is the direction of a flag mutation
type FlagOp int

const (
	AddFlags FlagOp = iota
	RemoveFlags
)

// Criteria narrows a UID SEARCH
type Criteria struct {
	MinUID  uint32 // only UIDs >= MinUID when non-zero
	Text    string
	From    string
	Subject string
	Since   time.Time
	Before  time.Time
	Unseen  bool
}

// Session is one authenticated remote mailbox session. Every message
// operation is addressed by UID; UIDForSequence is the only positional
// command and exists for legacy identifiers.
type Session interface {
	AccountKey() string
	Noop() error
	Close() error

	ListFolders() ([]types.Folder, error)
	Select(folder string, readOnly bool) (*types.FolderStatus, error)

	SearchUIDs(c Criteria) ([]uint32, error)
	ExistingUIDs(uids []uint32) ([]uint32, error)
	UIDForSequence(seq uint32) (uint32, error)

	FetchHeaders(uids []uint32) ([]*types.Message, error)
	FetchFlags(uids []uint32) (map[uint32]FlagState, error)
	FetchContent(uid uint32) (*types.MessageContent, error)

	// StoreFlags applies the mutation and returns the UIDs the server
	// confirmed now carry (or no longer carry) the flags.
	StoreFlags(uids []uint32, op FlagOp, flags []string) ([]uint32, error)
	Copy(uids []uint32, dest string) error
	Expunge() error
}

// FlagState is the read/flagged/deleted state of one message
type FlagState struct {
	Read    bool
	Flagged bool
	Deleted bool
}

// Dialer opens authenticated sessions
type Dialer interface {
	Dial(ctx context.Context, acc *config.AccountConfig) (Session, error)
}
