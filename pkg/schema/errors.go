package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeInvalidGraph    = "INVALID_GRAPH"
	ErrCodeUnknownNodeType = "UNKNOWN_NODE_TYPE"
	ErrCodeHandler         = "HANDLER_ERROR"
	ErrCodeNodeTimeout     = "NODE_TIMEOUT"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeStore           = "STORE_ERROR"
)

// FlowError is the structured error type for all nodeflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a retry could plausibly succeed for this error.
// Misconfiguration and structural errors never benefit from a retry.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeHandler, ErrCodeNodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf extracts the error code from an error chain, or "" when no
// FlowError is present.
func CodeOf(err error) string {
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		return flowErr.Code
	}
	return ""
}

// AsFlowError is errors.As specialized for FlowError.
func AsFlowError(err error, target **FlowError) bool {
	return errors.As(err, target)
}

// WithNodeID attaches a node ID to an error. A FlowError anywhere in the
// chain is annotated in place; anything else is wrapped.
func WithNodeID(err error, nodeID string) error {
	if err == nil {
		return nil
	}
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		if flowErr.NodeID == "" {
			flowErr.NodeID = nodeID
		}
		return err
	}
	return NewError(ErrCodeHandler, err.Error()).WithNode(nodeID).WithCause(err)
}
