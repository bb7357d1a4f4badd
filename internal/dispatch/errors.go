package dispatch

import (
	"errors"
	"fmt"

	"steward/internal/permission"
	"steward/internal/registry"
	"steward/internal/worker"
	"steward/pkg/extension"
)

// Error kinds as reported to callers
const (
	KindUnknownCommand      = "unknown_command"
	KindPermissionDenied    = "permission_denied"
	KindHandlerError        = "handler_error"
	KindWorkerPoolExhausted = "worker_pool_exhausted"
	KindMalformedIdentity   = "malformed_identity"
	KindInternal            = "internal"
)

// HandlerError wraps anything a command handler returned or panicked with
type HandlerError struct {
	Command string
	Cause   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// WorkerPoolExhaustedError means the call was refused for lack of worker
// capacity. Callers may retry.
type WorkerPoolExhaustedError struct {
	Command string
}

func (e *WorkerPoolExhaustedError) Error() string {
	return fmt.Sprintf("command %s rejected: worker pool exhausted", e.Command)
}

func (e *WorkerPoolExhaustedError) Unwrap() error {
	return worker.ErrPoolExhausted
}

// Temporary marks the failure as transient
func (e *WorkerPoolExhaustedError) Temporary() bool {
	return true
}

// Kind classifies err into one of the caller-facing error kinds
func Kind(err error) string {
	var (
		unknown   *registry.UnknownCommandError
		denied    *permission.DeniedError
		handler   *HandlerError
		exhausted *WorkerPoolExhaustedError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &handler):
		return KindHandlerError
	case errors.As(err, &unknown):
		return KindUnknownCommand
	case errors.As(err, &denied):
		return KindPermissionDenied
	case errors.As(err, &exhausted), errors.Is(err, worker.ErrPoolExhausted):
		return KindWorkerPoolExhausted
	case errors.Is(err, permission.ErrMalformedIdentity):
		return KindMalformedIdentity
	default:
		return KindInternal
	}
}

// ErrorInfo is the structured error callers receive
type ErrorInfo struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Command    string `json:"command,omitempty"`
	Permission string `json:"permission,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

// Describe converts err into its caller-facing form. Internal failures are
// reported without detail.
func Describe(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	info := &ErrorInfo{Kind: Kind(err), Message: err.Error()}

	var (
		unknown   *registry.UnknownCommandError
		denied    *permission.DeniedError
		handler   *HandlerError
		exhausted *WorkerPoolExhaustedError
		panicked  *extension.PanicError
	)

	switch {
	case errors.As(err, &handler):
		info.Command = handler.Command
		if errors.As(handler.Cause, &panicked) {
			info.Cause = "handler panicked"
			info.Message = fmt.Sprintf("command %s failed: handler panicked", handler.Command)
		} else {
			info.Cause = handler.Cause.Error()
		}
	case errors.As(err, &unknown):
		info.Command = unknown.Name
	case errors.As(err, &denied):
		info.Command = denied.Command
		info.Permission = denied.Permission
	case errors.As(err, &exhausted):
		info.Command = exhausted.Command
	case info.Kind == KindInternal:
		info.Message = "internal error"
	}

	return info
}
