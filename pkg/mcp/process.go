package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
	"github.com/toolgate/toolgate/pkg/logging"
)

// ProcessClient owns one child tool-server process and speaks JSON-RPC 2.0
// over its stdin/stdout, one JSON value per line. All writes to stdin are
// serialized; a single reader goroutine drains stdout and fulfils pending
// calls by request id. Nothing else may touch the pipes.
type ProcessClient struct {
	name        string
	spec        config.ServerSpec
	streamLimit int
	logger      *slog.Logger
	requestID   atomic.Int64

	procMu    sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.Reader
	started   bool
	startedAt time.Time
	exited    atomic.Bool

	writeMu sync.Mutex

	responsesMu sync.Mutex
	responses   map[int64]chan *jsonrpc.Response
}

// NewProcessClient creates a client for the given spec. The process is not
// started until Start is called.
func NewProcessClient(name string, spec config.ServerSpec, streamLimit int) *ProcessClient {
	if streamLimit <= 0 {
		streamLimit = DefaultStreamLimit
	}
	return &ProcessClient{
		name:        name,
		spec:        spec,
		streamLimit: streamLimit,
		logger:      logging.NewDiscardLogger(),
		responses:   make(map[int64]chan *jsonrpc.Response),
	}
}

// SetLogger sets the logger for this client.
func (c *ProcessClient) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Name returns the instance name.
func (c *ProcessClient) Name() string { return c.name }

// PID returns the child's process id, or 0 when not started.
func (c *ProcessClient) PID() int {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// StartedAt returns when the child was started.
func (c *ProcessClient) StartedAt() time.Time {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	return c.startedAt
}

// Running reports whether the child process is alive.
func (c *ProcessClient) Running() bool {
	c.procMu.Lock()
	started := c.started
	c.procMu.Unlock()
	return started && !c.exited.Load()
}

// rewriteCommand applies the uvx invocation rules: "uvx" becomes
// "uv tool run <module> ...", and a command string prefixed "uvx " becomes
// "uv run <rest>" with the args dropped.
func rewriteCommand(command string, args []string) (string, []string) {
	if command == "uvx" {
		if len(args) == 0 {
			return "uv", []string{"tool", "run"}
		}
		return "uv", append([]string{"tool", "run", args[0]}, args[1:]...)
	}
	if strings.HasPrefix(command, "uvx ") {
		rest := strings.Fields("uv run " + command[len("uvx "):])
		return rest[0], rest[1:]
	}
	return command, args
}

// Start spawns the child process and begins draining its pipes. Idempotent
// while the process is alive.
func (c *ProcessClient) Start(ctx context.Context) error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	if c.started && !c.exited.Load() {
		return nil
	}

	if c.spec.Command == "" {
		return fmt.Errorf("%w: no command specified", ErrInvalidArgument)
	}

	command, args := rewriteCommand(c.spec.Command, c.spec.Args)
	if command != c.spec.Command {
		c.logger.Info("rewrote command", "from", c.spec.Command, "to", command)
	}

	cmd := exec.Command(command, args...)
	// Child env: parent environment with the spec's vars layered on top.
	env := os.Environ()
	for k, v := range c.spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("%w: starting process: %v", ErrUnavailable, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.started = true
	c.startedAt = time.Now()
	c.exited.Store(false)

	go c.readResponses(stdout)
	go c.readStderr(stderr)
	go func() {
		_ = cmd.Wait()
		c.exited.Store(true)
		c.failPending(fmt.Errorf("%w: child exited", ErrUnavailable))
	}()

	c.logger.Info("child started", "pid", cmd.Process.Pid, "command", command)
	return nil
}

// readResponses drains stdout line by line. Values carrying an id fulfil
// the matching pending call; values without an id are server-initiated
// notifications and are logged and dropped. A corrupted line never stops
// the loop.
func (c *ProcessClient) readResponses(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), c.streamLimit)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Info("server output", "msg", string(line))
			continue
		}

		if resp.ID == nil {
			c.logger.Debug("server notification", "payload", string(line))
			continue
		}

		var id int64
		if err := json.Unmarshal(*resp.ID, &id); err != nil {
			c.logger.Warn("response with non-integer id", "id", string(*resp.ID))
			continue
		}

		c.responsesMu.Lock()
		ch, ok := c.responses[id]
		if ok {
			delete(c.responses, id)
		}
		c.responsesMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("stdout read failed", "error", err)
	}
}

// readStderr drains the child's stderr into the log at WARN level.
func (c *ProcessClient) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4*1024), c.streamLimit)
	for scanner.Scan() {
		c.logger.Warn("server stderr", "output", scanner.Text())
	}
}

// failPending releases every waiting caller with err.
func (c *ProcessClient) failPending(err error) {
	c.responsesMu.Lock()
	defer c.responsesMu.Unlock()
	for id, ch := range c.responses {
		delete(c.responses, id)
		ch <- &jsonrpc.Response{
			JSONRPC: "2.0",
			Error:   &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()},
		}
	}
}

// Call sends a request and waits for the correlated response. The deadline
// comes from ctx; without one, DefaultRequestTimeout applies. On timeout
// the pending slot is released and a late reply is dropped; the child is
// not killed.
func (c *ProcessClient) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := c.requestID.Add(1)
	idRaw := json.RawMessage(fmt.Sprintf("%d", id))

	req := jsonrpc.Request{JSONRPC: "2.0", ID: &idRaw, Method: method}
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = payload
	}

	respCh := make(chan *jsonrpc.Response, 1)
	c.responsesMu.Lock()
	c.responses[id] = respCh
	c.responsesMu.Unlock()

	release := func() {
		c.responsesMu.Lock()
		delete(c.responses, id)
		c.responsesMu.Unlock()
	}

	if err := c.send(req); err != nil {
		release()
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		release()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s on %s", ErrTimeout, method, c.name)
		}
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp, nil
	}
}

// Notify sends a notification (no id, no reply).
func (c *ProcessClient) Notify(ctx context.Context, method string, params any) error {
	req := jsonrpc.Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = payload
	}
	return c.send(req)
}

// send writes one request line to stdin. Writes are serialized so the
// child never sees interleaved requests.
func (c *ProcessClient) send(req jsonrpc.Request) error {
	c.procMu.Lock()
	started, stdin := c.started, c.stdin
	c.procMu.Unlock()
	if !started || stdin == nil || c.exited.Load() {
		return fmt.Errorf("%w: %s not running", ErrUnavailable, c.name)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: writing to stdin: %v", ErrUnavailable, err)
	}
	return nil
}

// Stop terminates the child: SIGTERM, wait up to grace, then SIGKILL.
// Idempotent; safe on never-started clients.
func (c *ProcessClient) Stop(grace time.Duration) error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.exited.Load() {
		c.started = false
		return nil
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone.
		c.started = false
		return nil
	}

	deadline := time.After(grace)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if c.exited.Load() {
				c.started = false
				return nil
			}
		case <-deadline:
			c.logger.Warn("graceful stop timed out, killing", "pid", c.cmd.Process.Pid)
			if err := c.cmd.Process.Kill(); err != nil && !c.exited.Load() {
				return fmt.Errorf("killing %s: %w", c.name, err)
			}
			c.started = false
			return nil
		}
	}
}
