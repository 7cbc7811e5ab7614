package sync

import (
	"context"
	"fmt"

	"github.com/roamlog/roamlog/internal/models"
)

// ServerEntity is the server's acknowledgement of a dispatched
// operation: the authoritative identifier plus the server-side version
// snapshot, when the server returns one.
type ServerEntity struct {
	ServerID string
	Version  *models.EntityVersion
}

// RemoteStore is the transport to a synchronization target. The sync
// engine and coordinator only see this interface; concrete
// implementations live behind it (HTTP backends, peer devices, test
// fakes).
type RemoteStore interface {
	// Name identifies the target in logs and progress events.
	Name() string

	// Reachable reports whether the target can currently be reached.
	// It must be cheap; the coordinator calls it before each phase.
	Reachable(ctx context.Context) bool

	// Send dispatches a single operation. On success it returns the
	// server's acknowledgement. Failures are reported as *RemoteError
	// so the engine can route them.
	Send(ctx context.Context, op *models.Operation) (*ServerEntity, error)

	// Pull returns every entity version the target has modified since
	// the given unix timestamp.
	Pull(ctx context.Context, since int64) ([]*models.EntityVersion, error)
}

// RemoteErrorKind classifies a transport failure for routing: transient
// kinds are retried with backoff, permanent kinds fail the operation,
// conflicts are handed to the resolver.
type RemoteErrorKind string

const (
	// RemoteNetwork covers unreachable hosts, timeouts and dropped
	// connections. Retried.
	RemoteNetwork RemoteErrorKind = "network"
	// RemoteServerBusy covers 5xx-class server failures. Retried.
	RemoteServerBusy RemoteErrorKind = "server"
	// RemoteAuthExpired means credentials need to be refreshed before
	// any further dispatch. Retried once refreshed.
	RemoteAuthExpired RemoteErrorKind = "auth_expired"
	// RemoteValidation means the server rejected the payload itself.
	// Never retried.
	RemoteValidation RemoteErrorKind = "validation"
	// RemoteConflict means the server holds a diverging version, which
	// it returns in the error for resolution.
	RemoteConflict RemoteErrorKind = "conflict"
)

// RemoteError is the failure type returned by RemoteStore
// implementations.
type RemoteError struct {
	Kind    RemoteErrorKind
	Message string
	// Remote carries the server's version snapshot for Kind ==
	// RemoteConflict.
	Remote *models.EntityVersion
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying with
// backoff.
func (e *RemoteError) Transient() bool {
	return e.Kind == RemoteNetwork || e.Kind == RemoteServerBusy || e.Kind == RemoteAuthExpired
}

// AsRemoteError extracts a *RemoteError from an error chain. Errors
// that are not RemoteErrors are treated as network-class transients, so
// an implementation returning a bare error never poisons the log.
func AsRemoteError(err error) *RemoteError {
	for e := err; e != nil; {
		if re, ok := e.(*RemoteError); ok {
			return re
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return &RemoteError{Kind: RemoteNetwork, Message: "unclassified transport failure", Err: err}
}
