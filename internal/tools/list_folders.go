package tools

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/query"
)

// ListFoldersTool lists available email folders
type ListFoldersTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewListFoldersTool creates a new list folders tool
func NewListFoldersTool(service *query.Service, logger *logrus.Logger) *ListFoldersTool {
	return &ListFoldersTool{service: service, logger: logger}
}

// Name returns the tool name
func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

// Description returns the tool description
func (t *ListFoldersTool) Description() string {
	return "List available mailboxes/folders for one account, or for all accounts if none is given"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_key": stringSchema("Optional: canonical account key (e.g. acct_1), or all accounts if omitted"),
		},
	}
}

// Execute executes the tool
func (t *ListFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.service.ListFolders(ctx, stringParam(params, "account_key"))
}

// ListEmailsTool lists the newest messages of a folder
type ListEmailsTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewListEmailsTool creates a new list emails tool
func NewListEmailsTool(service *query.Service, logger *logrus.Logger) *ListEmailsTool {
	return &ListEmailsTool{service: service, logger: logger}
}

// Name returns the tool name
func (t *ListEmailsTool) Name() string {
	return "list_emails"
}

// Description returns the tool description
func (t *ListEmailsTool) Description() string {
	return "List message headers of a folder, newest first. Served from the cache when it is fresh."
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListEmailsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_key": stringSchema("Optional: canonical account key, or all accounts if omitted"),
			"folder":      stringSchema("Optional: folder name (default: INBOX)"),
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: page size (default: 50, max: 500)",
				"minimum":     1,
				"maximum":     500,
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: number of newest messages to skip",
				"minimum":     0,
			},
			"unread_only": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: only unread messages",
			},
		},
	}
}

// Execute executes the tool
func (t *ListEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	limit, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	offset, err := intParam(params, "offset")
	if err != nil {
		return nil, err
	}
	return t.service.ListMessages(ctx, query.ListRequest{
		AccountKey: stringParam(params, "account_key"),
		Folder:     stringParam(params, "folder"),
		Limit:      limit,
		Offset:     offset,
		UnreadOnly: boolParam(params, "unread_only"),
	})
}
