package tools

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/query"
)

// Registry manages MCP tools
type Registry struct {
	service *query.Service
	logger  *logrus.Logger
	tools   map[string]Tool
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewRegistry creates a new tool registry
func NewRegistry(service *query.Service, logger *logrus.Logger) *Registry {
	reg := &Registry{
		service: service,
		logger:  logger,
		tools:   make(map[string]Tool),
	}
	reg.registerTools()
	return reg
}

// registerTools registers all available tools
func (r *Registry) registerTools() {
	toolList := []Tool{
		NewListFoldersTool(r.service, r.logger),
		NewListEmailsTool(r.service, r.logger),
		NewSearchEmailsTool(r.service, r.logger),
		NewGetEmailTool(r.service, r.logger),
		NewSendEmailTool(r.service, r.logger),
		NewMarkEmailsTool(r.service, r.logger),
		NewDeleteEmailsTool(r.service, r.logger),
		NewMoveEmailsTool(r.service, r.logger),
		NewSyncAccountTool(r.service, r.logger),
		NewAccountHealthTool(r.service, r.logger),
		NewPoolStatsTool(r.service, r.logger),
	}

	for _, tool := range toolList {
		r.tools[tool.Name()] = tool
		r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools, ordered by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}
