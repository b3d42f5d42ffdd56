package tools

import (
	"context"
	"encoding/base64"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/query"
)

// SendEmailTool sends a new email
type SendEmailTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewSendEmailTool creates a new send email tool
func NewSendEmailTool(service *query.Service, logger *logrus.Logger) *SendEmailTool {
	return &SendEmailTool{service: service, logger: logger}
}

// Name returns the tool name
func (t *SendEmailTool) Name() string {
	return "send_email"
}

// Description returns the tool description
func (t *SendEmailTool) Description() string {
	return "Send a new email with support for text, HTML, attachments, CC, BCC"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SendEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_key": stringSchema("Canonical key of the account to send from"),
			"to":          stringSchema("Recipient email address(es) (comma-separated)"),
			"cc":          stringSchema("Optional: CC recipients (comma-separated)"),
			"bcc":         stringSchema("Optional: BCC recipients (comma-separated)"),
			"subject":     stringSchema("Email subject"),
			"body_text":   stringSchema("Optional: Plain text body"),
			"body_html":   stringSchema("Optional: HTML body"),
			"attachments": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"filename":  map[string]interface{}{"type": "string"},
						"content":   map[string]interface{}{"type": "string", "description": "Base64 encoded content"},
						"mime_type": map[string]interface{}{"type": "string"},
					},
					"required": []string{"filename", "content"},
				},
				"description": "Optional: attachments",
			},
			"reply_to":    stringSchema("Optional: Reply-To header"),
			"in_reply_to": stringSchema("Optional: In-Reply-To header (for replies)"),
		},
		"required": []string{"account_key", "to", "subject"},
	}
}

// Execute executes the tool
func (t *SendEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := requiredString(params, "account_key")
	if err != nil {
		return nil, err
	}
	to := listParam(params, "to")
	if len(to) == 0 {
		return nil, mailerr.Errorf(mailerr.KindInvalid, "send", "to is required")
	}
	subject, err := requiredString(params, "subject")
	if err != nil {
		return nil, err
	}

	msg := &email.OutgoingMessage{
		To:        to,
		Cc:        listParam(params, "cc"),
		Bcc:       listParam(params, "bcc"),
		Subject:   subject,
		BodyText:  stringParam(params, "body_text"),
		BodyHTML:  stringParam(params, "body_html"),
		ReplyTo:   stringParam(params, "reply_to"),
		InReplyTo: stringParam(params, "in_reply_to"),
	}

	// Ensure at least one body is set
	if msg.BodyText == "" && msg.BodyHTML == "" {
		return nil, mailerr.Errorf(mailerr.KindInvalid, "send", "either body_text or body_html is required")
	}

	attachments, err := parseAttachments(params["attachments"])
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments

	messageID, err := t.service.Send(ctx, key, msg)
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"account":    key,
		"recipients": len(email.Recipients(msg)),
	}).Info("Email sent")

	return map[string]interface{}{
		"success":    true,
		"message_id": messageID,
	}, nil
}

func parseAttachments(v interface{}) ([]email.OutgoingAttachment, error) {
	items, _ := v.([]interface{})
	out := make([]email.OutgoingAttachment, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, mailerr.Errorf(mailerr.KindInvalid, "send", "attachment %d must be an object", i)
		}
		filename := stringParam(m, "filename")
		if filename == "" {
			return nil, mailerr.Errorf(mailerr.KindInvalid, "send", "attachment %d has no filename", i)
		}
		content, err := base64.StdEncoding.DecodeString(stringParam(m, "content"))
		if err != nil {
			return nil, mailerr.Errorf(mailerr.KindInvalid, "send", "attachment %q is not valid base64: %v", filename, err)
		}
		out = append(out, email.OutgoingAttachment{
			Filename: filename,
			Content:  content,
			MimeType: stringParam(m, "mime_type"),
		})
	}
	return out, nil
}
