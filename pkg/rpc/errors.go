package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrStartup wraps failures to spawn the backend or an immediate
	// death within the post-launch grace window.
	ErrStartup = errors.New("backend startup failed")

	// ErrNotRunning is returned when a request is issued without a live
	// backend subprocess.
	ErrNotRunning = errors.New("backend not running")

	// ErrTimeout is returned when no response arrives within the
	// per-call deadline. The pending call is discarded; a late response
	// with the same id is silently ignored.
	ErrTimeout = errors.New("rpc timeout")

	// ErrProcessExited force-fails every in-flight call when the backend
	// subprocess dies or errors.
	ErrProcessExited = errors.New("backend process exited")
)

// RpcError is a method-level failure reported by the backend in a
// response envelope.
type RpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RpcError) Error() string {
	msg := e.Message
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code=%d)", msg, e.Code)
	}
	if len(e.Data) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, string(e.Data))
	}
	return msg
}
