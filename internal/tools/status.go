package tools

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/query"
	"github.com/brandon/mailcore/pkg/types"
)

// SyncAccountTool triggers a sync pass
type SyncAccountTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewSyncAccountTool creates a new sync account tool
func NewSyncAccountTool(service *query.Service, logger *logrus.Logger) *SyncAccountTool {
	return &SyncAccountTool{service: service, logger: logger}
}

func (t *SyncAccountTool) Name() string { return "sync_account" }

func (t *SyncAccountTool) Description() string {
	return "Sync an account now, ignoring quiet hours"
}

func (t *SyncAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_key": stringSchema("Canonical account key"),
			"kind": map[string]interface{}{
				"type":        "string",
				"enum":        []string{string(types.SyncIncremental), string(types.SyncFull)},
				"description": "Optional: incremental (default) or full",
			},
		},
		"required": []string{"account_key"},
	}
}

func (t *SyncAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := requiredString(params, "account_key")
	if err != nil {
		return nil, err
	}
	return t.service.SyncAccount(ctx, key, types.SyncKind(stringParam(params, "kind")))
}

// AccountHealthTool reports account health and recent sync history
type AccountHealthTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewAccountHealthTool creates a new account health tool
func NewAccountHealthTool(service *query.Service, logger *logrus.Logger) *AccountHealthTool {
	return &AccountHealthTool{service: service, logger: logger}
}

func (t *AccountHealthTool) Name() string { return "account_health" }

func (t *AccountHealthTool) Description() string {
	return "Health score, sync state and recent sync attempts of one or all accounts"
}

func (t *AccountHealthTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_key": stringSchema("Optional: canonical account key, or all accounts if omitted"),
			"history_hours": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: hours of sync history to include for a single account (default: 24)",
				"minimum":     1,
			},
		},
	}
}

func (t *AccountHealthTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key := stringParam(params, "account_key")
	if key == "" {
		return t.service.HealthAll(ctx)
	}

	hours, err := intParam(params, "history_hours")
	if err != nil {
		return nil, err
	}
	if hours < 0 {
		return nil, mailerr.Errorf(mailerr.KindInvalid, "parse arguments", "history_hours must be positive")
	}

	status, err := t.service.Health(ctx, key)
	if err != nil {
		return nil, err
	}
	history, err := t.service.SyncHistory(ctx, key, time.Duration(hours)*time.Hour, 0)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":  status,
		"history": history,
	}, nil
}

// PoolStatsTool reports connection pool counters
type PoolStatsTool struct {
	service *query.Service
	logger  *logrus.Logger
}

// NewPoolStatsTool creates a new pool stats tool
func NewPoolStatsTool(service *query.Service, logger *logrus.Logger) *PoolStatsTool {
	return &PoolStatsTool{service: service, logger: logger}
}

func (t *PoolStatsTool) Name() string { return "pool_stats" }

func (t *PoolStatsTool) Description() string {
	return "Connection pool counters: sessions created, reused, waits and timeouts"
}

func (t *PoolStatsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *PoolStatsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.service.PoolStats(), nil
}
