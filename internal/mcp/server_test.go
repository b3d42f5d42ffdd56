package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, input string) []map[string]interface{} {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var out bytes.Buffer
	s := NewServer(nil, logger)
	s.in = strings.NewReader(input)
	s.out = &out
	require.NoError(t, s.Run(context.Background()))

	var responses []map[string]interface{}
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestInitializeAndListTools(t *testing.T) {
	responses := run(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}
{"jsonrpc":"2.0","method":"notifications/initialized"}

{"jsonrpc":"2.0","id":2,"method":"tools/list"}
`)
	require.Len(t, responses, 2)

	info := responses[0]["result"].(map[string]interface{})["serverInfo"].(map[string]interface{})
	assert.Equal(t, "mailcore", info["name"])

	list := responses[1]["result"].(map[string]interface{})["tools"].([]interface{})
	var names []string
	for _, tool := range list {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	assert.Equal(t, []string{
		"account_health", "delete_emails", "get_email", "list_emails", "list_folders",
		"mark_emails", "move_emails", "pool_stats", "search_emails", "send_email", "sync_account",
	}, names)
}

func TestToolErrors(t *testing.T) {
	responses := run(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}
{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"mark_emails","arguments":{"email_ids":["1"]}}}
{"jsonrpc":"2.0","id":3,"method":"resources/list"}
not json
`)
	require.Len(t, responses, 4)

	code := func(i int) float64 {
		return responses[i]["error"].(map[string]interface{})["code"].(float64)
	}
	assert.Equal(t, float64(codeMethodNotFound), code(0))
	assert.Equal(t, float64(codeInvalidParams), code(1))
	data := responses[1]["error"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "invalid", data["kind"])
	assert.Equal(t, float64(codeMethodNotFound), code(2))
	assert.Equal(t, float64(codeParseError), code(3))
}
