package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ContextHub/internal/mcp"
)

// TestHelperProcess is not a real test. It is re-executed by TestStdioClient
// to act as an MCP server on stdin/stdout.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("CONTEXTHUB_MCP_HELPER") != "1" {
		t.Skip("helper process")
	}
	scanner := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for scanner.Scan() {
		var req rawRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			os.Exit(2)
		}
		if hangs(req) {
			continue
		}
		_ = enc.Encode(answer(t, req))
	}
	os.Exit(0)
}

func startHelper(t *testing.T) *mcp.RemoteClient {
	t.Helper()
	t.Setenv("CONTEXTHUB_MCP_HELPER", "1")

	client, err := mcp.NewStdioClient(
		[]string{os.Args[0], "-test.run=^TestHelperProcess$"},
		mcp.ClientInfo{Name: "test", Version: "1"},
		testLogger(),
	)
	require.NoError(t, err)
	return client
}

func TestStdioClient(t *testing.T) {
	client := startHelper(t)
	exercise(t, client)

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())
}

func TestNewStdioClient_Validation(t *testing.T) {
	_, err := mcp.NewStdioClient(nil, mcp.ClientInfo{}, testLogger())
	assert.Error(t, err)

	_, err = mcp.NewStdioClient([]string{"true"}, mcp.ClientInfo{}, nil)
	assert.Error(t, err)

	_, err = mcp.NewStdioClient([]string{"/nonexistent/contexthub-mcp"}, mcp.ClientInfo{}, testLogger())
	assert.Error(t, err)
}

func TestStdioClient_UnansweredCall(t *testing.T) {
	client := startHelper(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.CallTool(ctx, "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The transport stays usable after a call is abandoned.
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.CallTool(ctx, "echo", map[string]any{"text": "still here"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "still here", result.Content[0].Text)

	pending := make(chan error, 1)
	go func() {
		_, err := client.CallTool(context.Background(), "hang", nil)
		pending <- err
	}()
	require.NoError(t, client.Close())
	select {
	case err := <-pending:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not released by Close")
	}
}
