package tools

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/query"
)

func mutationSchema(extra map[string]interface{}, required ...string) map[string]interface{} {
	props := map[string]interface{}{
		"account_key": stringSchema("Canonical account key"),
		"folder":      stringSchema("Optional: folder holding the messages (default: INBOX)"),
		"email_ids":   idsSchema(),
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"account_key", "email_ids"}, required...),
	}
}

func mutationRequest(params map[string]interface{}) (query.MutationRequest, error) {
	key, err := requiredString(params, "account_key")
	if err != nil {
		return query.MutationRequest{}, err
	}
	ids := listParam(params, "email_ids")
	if len(ids) == 0 {
		return query.MutationRequest{}, mailerr.Errorf(mailerr.KindInvalid, "parse arguments", "email_ids is required")
	}
	return query.MutationRequest{AccountKey: key, Folder: stringParam(params, "folder"), IDs: ids}, nil
}

// MarkEmailsTool sets or clears read and flagged state
type MarkEmailsTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewMarkEmailsTool creates a new mark emails tool
func NewMarkEmailsTool(service *query.Service, logger *logrus.Logger) *MarkEmailsTool {
	return &MarkEmailsTool{service: service, logger: logger}
}

func (t *MarkEmailsTool) Name() string { return "mark_emails" }

func (t *MarkEmailsTool) Description() string {
	return "Mark emails read, unread, flagged or unflagged. Reports which IDs failed."
}

func (t *MarkEmailsTool) InputSchema() map[string]interface{} {
	return mutationSchema(map[string]interface{}{
		"flag": map[string]interface{}{
			"type": "string",
			"enum": []string{email.FlagRead, email.FlagUnread, email.FlagFlagged, email.FlagUnflagged},
		},
	}, "flag")
}

func (t *MarkEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req, err := mutationRequest(params)
	if err != nil {
		return nil, err
	}
	flag, err := requiredString(params, "flag")
	if err != nil {
		return nil, err
	}
	return t.service.Mark(ctx, req, flag)
}

// DeleteEmailsTool permanently deletes emails
type DeleteEmailsTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewDeleteEmailsTool creates a new delete emails tool
func NewDeleteEmailsTool(service *query.Service, logger *logrus.Logger) *DeleteEmailsTool {
	return &DeleteEmailsTool{service: service, logger: logger}
}

func (t *DeleteEmailsTool) Name() string { return "delete_emails" }

func (t *DeleteEmailsTool) Description() string {
	return "Permanently delete emails. Each ID is verified gone on the server; failures are listed."
}

func (t *DeleteEmailsTool) InputSchema() map[string]interface{} {
	return mutationSchema(nil)
}

func (t *DeleteEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req, err := mutationRequest(params)
	if err != nil {
		return nil, err
	}
	return t.service.Delete(ctx, req)
}

// MoveEmailsTool moves emails to another folder
type MoveEmailsTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewMoveEmailsTool creates a new move emails tool
func NewMoveEmailsTool(service *query.Service, logger *logrus.Logger) *MoveEmailsTool {
	return &MoveEmailsTool{service: service, logger: logger}
}

func (t *MoveEmailsTool) Name() string { return "move_emails" }

func (t *MoveEmailsTool) Description() string {
	return "Move emails to another folder of the same account"
}

func (t *MoveEmailsTool) InputSchema() map[string]interface{} {
	return mutationSchema(map[string]interface{}{
		"destination": stringSchema("Destination folder"),
	}, "destination")
}

func (t *MoveEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req, err := mutationRequest(params)
	if err != nil {
		return nil, err
	}
	dest, err := requiredString(params, "destination")
	if err != nil {
		return nil, err
	}
	return t.service.Move(ctx, req, dest)
}
