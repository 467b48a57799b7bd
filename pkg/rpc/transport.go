package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/utils"
)

const (
	protocolVersion = "2.0"

	startupGrace  = 500 * time.Millisecond
	stopGrace     = 2 * time.Second
	sendTimeout   = 60 * time.Second
	lookupTimeout = 10 * time.Second

	maxLineBytes = 10 * 1024 * 1024
)

// envelope is the line-delimited JSON-RPC 2.0 wire format, covering
// requests, responses and notifications in one shape.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RpcError       `json:"error,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	ch    chan response
	timer *time.Timer
}

// Options configures the backend subprocess launch.
type Options struct {
	Command string
	Args    []string
	DBPath  string
}

// SendResult is the normalized result of the backend "send" method. The
// backend reports the outgoing message identifier under several different
// field names; the transport collapses them here so the ambiguity never
// reaches the pipeline.
type SendResult struct {
	MessageID string
}

// Transport owns the backend subprocess and provides request/response
// correlation plus notification dispatch over its stdio streams.
type Transport struct {
	opts Options

	onMessage func(bus.InboundMessage)
	onError   func(string)

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	stopped bool
	alive   bool
	exited  chan struct{}

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
}

func NewTransport(opts Options) *Transport {
	if opts.Command == "" {
		opts.Command = "imsg-rpc"
	}
	if len(opts.Args) == 0 {
		opts.Args = []string{"jsonrpc"}
	}
	return &Transport{
		opts:    opts,
		pending: make(map[int64]*pendingCall),
	}
}

// SetHandlers registers the inbound-message and backend-error callbacks.
// Must be called before Start.
func (t *Transport) SetHandlers(onMessage func(bus.InboundMessage), onError func(string)) {
	t.onMessage = onMessage
	t.onError = onError
}

// Start launches the backend subprocess and begins reading its output.
// Calling Start on a running transport is a no-op with a warning. A
// transport whose subprocess died on its own may be started again; one
// that was explicitly stopped may not.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport stopped", ErrNotRunning)
	}
	if t.alive {
		t.mu.Unlock()
		logger.WarnC("rpc", "Backend already running, ignoring start")
		return nil
	}

	args := append([]string{}, t.opts.Args...)
	if t.opts.DBPath != "" {
		args = append(args, "--db", t.opts.DBPath)
	}

	cmd := exec.Command(t.opts.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: stdin pipe: %v", ErrStartup, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: stdout pipe: %v", ErrStartup, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: stderr pipe: %v", ErrStartup, err)
	}

	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	exited := make(chan struct{})
	t.cmd = cmd
	t.stdin = stdin
	t.alive = true
	t.exited = exited
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.stderrLoop(stderr)
	go t.waitLoop(cmd, exited)

	select {
	case <-exited:
		return fmt.Errorf("%w: process died during startup", ErrStartup)
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-time.After(startupGrace):
	}

	logger.InfoCF("rpc", "Backend started", map[string]interface{}{
		"command": t.opts.Command,
		"pid":     cmd.Process.Pid,
	})
	return nil
}

// Stop closes the backend's stdin to request a graceful exit, waits up to
// the stop grace window, then force-kills. Always returns once the
// process is gone; never reports an error.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stdin := t.stdin
	cmd := t.cmd
	exited := t.exited
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd == nil || exited == nil {
		return
	}

	select {
	case <-exited:
	case <-time.After(stopGrace):
		logger.WarnC("rpc", "Backend did not exit in time, killing")
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-exited
	}
	logger.InfoC("rpc", "Backend stopped")
}

// IsRunning reports whether a live subprocess exists and the transport
// has not been stopped.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive && !t.stopped
}

// Request writes a request envelope and waits for the correlated
// response. A non-positive timeout waits indefinitely (until the process
// dies).
func (t *Transport) Request(method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.alive || t.stopped || t.stdin == nil {
		t.mu.Unlock()
		return nil, ErrNotRunning
	}
	stdin := t.stdin
	t.mu.Unlock()

	id := t.nextID.Add(1)

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		rawParams = data
	}

	env := envelope{
		JSONRPC: protocolVersion,
		ID:      &id,
		Method:  method,
		Params:  rawParams,
	}
	line, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')

	pc := &pendingCall{ch: make(chan response, 1)}
	t.pendingMu.Lock()
	t.pending[id] = pc
	t.pendingMu.Unlock()

	if timeout > 0 {
		pc.timer = time.AfterFunc(timeout, func() {
			t.reject(id, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout))
		})
	}

	t.writeMu.Lock()
	_, err = stdin.Write(line)
	t.writeMu.Unlock()
	if err != nil {
		t.reject(id, fmt.Errorf("write request: %w", err))
	}

	resp := <-pc.ch
	return resp.result, resp.err
}

// SendMessage delivers an outbound message and normalizes the backend's
// result into a single optional message identifier.
func (t *Transport) SendMessage(msg bus.OutboundMessage) (SendResult, error) {
	raw, err := t.Request("send", msg, sendTimeout)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: extractMessageID(raw)}, nil
}

func (t *Transport) ListChats(limit int) (json.RawMessage, error) {
	params := map[string]interface{}{}
	if limit > 0 {
		params["limit"] = limit
	}
	return t.Request("chats", params, lookupTimeout)
}

func (t *Transport) GetChatHistory(chatID string, limit int) (json.RawMessage, error) {
	params := map[string]interface{}{"chat_id": chatID}
	if limit > 0 {
		params["limit"] = limit
	}
	return t.Request("history", params, lookupTimeout)
}

// extractMessageID tries the result field names the backend is known to
// use, in order, and returns the first non-empty value as a string.
func extractMessageID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"message_id", "messageId", "id", "guid"} {
		switch v := fields[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			logger.WarnCF("rpc", "Dropping non-JSON backend output", map[string]interface{}{
				"line": utils.Truncate(line, 120),
			})
			continue
		}

		switch {
		case env.ID != nil:
			t.resolve(*env.ID, env)
		case env.Method != "":
			t.dispatchNotification(env)
		}
	}
}

func (t *Transport) resolve(id int64, env envelope) {
	t.pendingMu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if !ok {
		// Late response after timeout, or an id we never issued.
		logger.DebugCF("rpc", "Response for unknown id", map[string]interface{}{"id": id})
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}

	if env.Error != nil {
		pc.ch <- response{err: env.Error}
		return
	}
	pc.ch <- response{result: env.Result}
}

func (t *Transport) dispatchNotification(env envelope) {
	switch env.Method {
	case "message", "message.received":
		var msg bus.InboundMessage
		if err := json.Unmarshal(env.Params, &msg); err != nil {
			logger.WarnCF("rpc", "Bad message notification params", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if t.onMessage != nil {
			t.onMessage(msg)
		}
	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Params, &payload)
		if payload.Message == "" {
			payload.Message = string(env.Params)
		}
		logger.ErrorCF("rpc", "Backend reported error", map[string]interface{}{
			"message": payload.Message,
		})
		if t.onError != nil {
			t.onError(payload.Message)
		}
	default:
		// Unknown notifications are ignored for forward compatibility.
		logger.DebugCF("rpc", "Ignoring notification", map[string]interface{}{
			"method": env.Method,
		})
	}
}

func (t *Transport) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.DebugCF("rpc", "backend stderr", map[string]interface{}{"line": line})
	}
}

func (t *Transport) waitLoop(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	detail := "closed"
	if err != nil {
		detail = err.Error()
	}

	t.mu.Lock()
	t.alive = false
	t.stdin = nil
	wasStopped := t.stopped
	t.mu.Unlock()

	t.failAllPending(fmt.Errorf("%w: %s", ErrProcessExited, detail))
	close(exited)

	if !wasStopped {
		logger.WarnCF("rpc", "Backend exited unexpectedly", map[string]interface{}{
			"detail": detail,
		})
	}
}

// failAllPending rejects every in-flight call with one consistent error.
func (t *Transport) failAllPending(err error) {
	t.pendingMu.Lock()
	calls := t.pending
	t.pending = make(map[int64]*pendingCall)
	t.pendingMu.Unlock()

	for _, pc := range calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.ch <- response{err: err}
	}
}

func (t *Transport) reject(id int64, err error) {
	t.pendingMu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if !ok {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.ch <- response{err: err}
}
