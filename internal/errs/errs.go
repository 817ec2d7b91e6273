// Package errs holds the error taxonomy shared by the session, flow and
// persistence layers.
package errs

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyActive is returned when a live transport session already
	// exists for the connection.
	ErrAlreadyActive = errors.New("connection already active")
	ErrNotFound      = errors.New("record not found")
	ErrNotConnected  = errors.New("connection has no live session")
	ErrStepLimit     = errors.New("flow step limit exceeded")
)

// TransportError wraps failures of the messaging network session.
type TransportError struct {
	Op           string
	ConnectionID int64
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (connection %d): %v", e.Op, e.ConnectionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func Transport(op string, connectionID int64, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, ConnectionID: connectionID, Err: errors.WithStack(err)}
}

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError. gorm's not-found becomes ErrNotFound
// so callers never import gorm to test for it.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}
	return &StorageError{Op: op, Err: errors.WithStack(err)}
}

// MalformedFlowError aborts a single flow run.
type MalformedFlowError struct {
	FlowID int64
	NodeID string
	Reason string
	Err    error
}

func (e *MalformedFlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("malformed flow %d at node %q: %s", e.FlowID, e.NodeID, e.Reason)
	}
	return fmt.Sprintf("malformed flow %d: %s", e.FlowID, e.Reason)
}

func (e *MalformedFlowError) Unwrap() error { return e.Err }

func Malformed(flowID int64, nodeID, reason string) error {
	return &MalformedFlowError{FlowID: flowID, NodeID: nodeID, Reason: reason}
}

// WebhookDeliveryError is logged and never fails a flow run.
type WebhookDeliveryError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("webhook %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *WebhookDeliveryError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

func IsMalformed(err error) bool {
	var m *MalformedFlowError
	return stderrors.As(err, &m)
}

func IsTransport(err error) bool {
	var t *TransportError
	return stderrors.As(err, &t)
}
