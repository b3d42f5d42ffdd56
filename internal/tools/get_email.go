package tools

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/query"
)

// GetEmailTool retrieves a full email by ID
type GetEmailTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewGetEmailTool creates a new get email tool
func NewGetEmailTool(service *query.Service, logger *logrus.Logger) *GetEmailTool {
	return &GetEmailTool{service: service, logger: logger}
}

// Name returns the tool name
func (t *GetEmailTool) Name() string {
	return "get_email"
}

// Description returns the tool description
func (t *GetEmailTool) Description() string {
	return "Retrieve a full email by ID from cache or IMAP"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_key": stringSchema("Canonical account key"),
			"folder":      stringSchema("Optional: folder name (default: INBOX)"),
			"email_id":    stringSchema("Email ID (from list or search results)"),
		},
		"required": []string{"account_key", "email_id"},
	}
}

// Execute executes the tool
func (t *GetEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := requiredString(params, "account_key")
	if err != nil {
		return nil, err
	}

	// IDs arrive as JSON numbers from some clients
	id := stringParam(params, "email_id")
	if n, ok := params["email_id"].(float64); ok {
		id = strconv.FormatFloat(n, 'f', -1, 64)
	}
	if id == "" {
		_, err := requiredString(params, "email_id")
		return nil, err
	}

	return t.service.GetMessage(ctx, key, stringParam(params, "folder"), id)
}
