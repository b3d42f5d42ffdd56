package tools

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/query"
)

// SearchEmailsTool searches emails
type SearchEmailsTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewSearchEmailsTool creates a new search emails tool
func NewSearchEmailsTool(service *query.Service, logger *logrus.Logger) *SearchEmailsTool {
	return &SearchEmailsTool{service: service, logger: logger}
}

// Name returns the tool name
func (t *SearchEmailsTool) Name() string {
	return "search_emails"
}

// Description returns the tool description
func (t *SearchEmailsTool) Description() string {
	return "Search emails with flexible filters (sender, subject, body, date range)"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SearchEmailsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_key": stringSchema("Optional: canonical account key, or all accounts if omitted"),
			"folder":      stringSchema("Optional: Filter by folder/mailbox"),
			"sender":      stringSchema("Optional: Filter by sender email/name"),
			"subject":     stringSchema("Optional: Filter by subject"),
			"body":        stringSchema("Optional: Full-text search over subject, sender and body"),
			"date_from":   stringSchema("Optional: Start date (ISO 8601 format)"),
			"date_to":     stringSchema("Optional: End date (ISO 8601 format)"),
			"unread_only": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: only unread messages",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default: 100, max: 500)",
				"minimum":     1,
				"maximum":     500,
			},
		},
	}
}

// Execute executes the tool
func (t *SearchEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	since, err := timeParam(params, "date_from")
	if err != nil {
		return nil, err
	}
	before, err := timeParam(params, "date_to")
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}

	return t.service.Search(ctx, query.SearchRequest{
		AccountKey: stringParam(params, "account_key"),
		Folder:     stringParam(params, "folder"),
		Text:       stringParam(params, "body"),
		From:       stringParam(params, "sender"),
		Subject:    stringParam(params, "subject"),
		Since:      since,
		Before:     before,
		UnreadOnly: boolParam(params, "unread_only"),
		Limit:      limit,
	})
}
