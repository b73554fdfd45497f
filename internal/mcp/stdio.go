package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const maxLineSize = 1 << 20

// stdioTransport speaks newline-delimited JSON-RPC to a local MCP server
// process over its stdin and stdout. Writes are serialized; responses are
// matched to callers by id on a single reader goroutine.
type stdioTransport struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	logger  *slog.Logger
	writeMu sync.Mutex
	pending pendingCalls
	done    chan struct{}
}

// NewStdioClient starts command (program followed by its arguments) and
// returns a client talking to it over stdio. The process is killed on Close.
func NewStdioClient(command []string, info ClientInfo, logger *slog.Logger) (*RemoteClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("command cannot be empty")
	}

	cmd := exec.Command(command[0], command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start MCP server process: %w", err)
	}

	name := strings.Join(command, " ")
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	t := &stdioTransport{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		scanner: scanner,
		logger:  logger,
		done:    make(chan struct{}),
	}

	go t.logStderr(stderr)
	go t.readLoop()

	logger.Info("started MCP stdio client", "command", name, "pid", cmd.Process.Pid)
	return newRemoteClient(name, t, info, logger), nil
}

func (t *stdioTransport) readLoop() {
	defer close(t.done)
	for t.scanner.Scan() {
		var resp JSONRPCResponse
		if err := json.Unmarshal(t.scanner.Bytes(), &resp); err != nil {
			t.logger.Warn("dropping malformed MCP line", "command", t.name, "error", err)
			continue
		}
		t.pending.deliver(resp)
	}
	if err := t.scanner.Err(); err != nil {
		t.pending.fail(fmt.Errorf("failed to read response: %w", err))
		return
	}
	t.pending.fail(errors.New("EOF from MCP server"))
}

func (t *stdioTransport) roundTrip(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	if err := ctx.Err(); err != nil {
		return JSONRPCResponse{}, err
	}

	requestJSON, err := json.Marshal(req)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return JSONRPCResponse{}, err
	}

	t.writeMu.Lock()
	_, err = t.stdin.Write(append(requestJSON, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		t.pending.remove(req.ID)
		return JSONRPCResponse{}, fmt.Errorf("failed to write request: %w", err)
	}
	return t.pending.wait(ctx, req.ID, ch)
}

func (t *stdioTransport) close() error {
	t.pending.fail(ErrClosed)

	t.writeMu.Lock()
	t.stdin.Close()
	t.writeMu.Unlock()

	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Warn("failed to kill MCP server process", "command", t.name, "error", err)
		}
		<-t.done
		_ = t.cmd.Wait() // reap
	}
	return nil
}

// logStderr forwards the server's stderr to the logger line by line.
func (t *stdioTransport) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Warn("MCP server stderr", "command", t.name, "message", scanner.Text())
	}
}
