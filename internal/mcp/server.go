package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/query"
	"github.com/brandon/mailcore/internal/tools"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Server represents the MCP server
type Server struct {
	logger *logrus.Logger
	tools  *tools.Registry
	in     io.Reader
	out    io.Writer
}

// NewServer creates a new MCP server instance on stdio
func NewServer(service *query.Service, logger *logrus.Logger) *Server {
	return &Server{
		logger: logger,
		tools:  tools.NewRegistry(service, logger),
		in:     os.Stdin,
		out:    os.Stdout,
	}
}

// Run serves newline-delimited JSON-RPC requests until ctx is done or the
// input is closed
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server with stdio transport")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	encoder := json.NewEncoder(s.out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil && err != io.EOF {
				return fmt.Errorf("failed to read request: %w", err)
			}
			return nil
		case line := <-lines:
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			resp := s.handleLine(ctx, line)
			if resp == nil {
				continue
			}
			if err := encoder.Encode(resp); err != nil {
				s.logger.WithError(err).Error("Failed to encode response")
			}
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) map[string]interface{} {
	var req map[string]interface{}
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.WithError(err).Error("Failed to decode request")
		return errorResponse(nil, codeParseError, "parse error", nil)
	}
	return s.handleRequest(ctx, req)
}

// handleRequest processes an MCP request. Notifications get no response.
func (s *Server) handleRequest(ctx context.Context, req map[string]interface{}) map[string]interface{} {
	method, _ := req["method"].(string)
	id, hasID := req["id"]
	if !hasID {
		s.logger.WithField("method", method).Debug("Notification received")
		return nil
	}

	switch method {
	case "initialize":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "mailcore",
					"version": "1.0.0",
				},
			},
		}

	case "ping":
		return map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": map[string]interface{}{}}

	case "tools/list":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"tools": s.tools.GetToolDefinitions(),
			},
		}

	case "tools/call":
		params, _ := req["params"].(map[string]interface{})
		toolName, _ := params["name"].(string)
		arguments, _ := params["arguments"].(map[string]interface{})
		if arguments == nil {
			arguments = map[string]interface{}{}
		}

		tool, exists := s.tools.GetTool(toolName)
		if !exists {
			return errorResponse(id, codeMethodNotFound, fmt.Sprintf("Tool not found: %s", toolName), nil)
		}

		log := s.logger.WithField("tool", toolName)
		result, err := tool.Execute(ctx, arguments)
		if err != nil {
			kind := mailerr.Classify(err)
			log.WithError(err).WithField("kind", kind).Warn("Tool call failed")
			code := codeInternalError
			if kind == mailerr.KindInvalid {
				code = codeInvalidParams
			}
			return errorResponse(id, code, err.Error(), map[string]interface{}{"kind": string(kind)})
		}

		resultJSON, err := json.Marshal(result)
		if err != nil {
			resultJSON = []byte(fmt.Sprintf("%v", result))
		}

		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"content": []map[string]interface{}{
					{
						"type": "text",
						"text": string(resultJSON),
					},
				},
			},
		}
	}

	return errorResponse(id, codeMethodNotFound, fmt.Sprintf("Method not found: %s", method), nil)
}

func errorResponse(id interface{}, code int, message string, data map[string]interface{}) map[string]interface{} {
	e := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != nil {
		e["data"] = data
	}
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   e,
	}
}
