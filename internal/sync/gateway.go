package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
)

// PushRequest carries one mutation to the remote system of record.
type PushRequest struct {
	Operation  store.Operation
	EntityType string
	EntityID   string
	Payload    json.RawMessage
	// Force bypasses the server's optimistic lock after the resolver has
	// decided the local version wins.
	Force bool
}

// PushAck is a successful push response. Record, when present, is the
// server's canonical copy after applying the mutation.
type PushAck struct {
	Record *RemoteRecord
}

// Gateway abstracts the remote backend. The engine never speaks a wire
// protocol itself; authentication and serialization live behind this
// interface.
type Gateway interface {
	Push(ctx context.Context, req PushRequest) (*PushAck, error)
	Pull(ctx context.Context, entityType string, since time.Time) ([]RemoteRecord, error)
}

// TokenRefresher renews expired credentials so a push can be retried once.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

// ErrorKind classifies gateway failures for the retry policy.
type ErrorKind string

const (
	ErrKindNetwork     ErrorKind = "network"
	ErrKindServer      ErrorKind = "server"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindAuthExpired ErrorKind = "auth_expired"
	ErrKindRejected    ErrorKind = "rejected"
	ErrKindNotFound    ErrorKind = "not_found"
	ErrKindConflict    ErrorKind = "conflict"
)

// Retryable reports whether a failure of this kind may be attempted again
// with backoff. Conflicts and auth expiry have their own dedicated paths.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindServer, ErrKindRateLimited:
		return true
	}
	return false
}

// GatewayError is the only error type the orchestrator interprets. Gateway
// implementations wrap every failure in one.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is a server-provided hint for rate-limited responses.
	RetryAfter time.Duration
	// Remote carries the server's current version on optimistic-lock
	// conflicts so the resolver can run without another round trip.
	Remote *RemoteRecord
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

// Classify maps an arbitrary error to a GatewayError. Errors that are not
// already typed are treated as network faults, which covers timeouts and
// cancelled contexts from the per-call deadline.
func Classify(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{Kind: ErrKindNetwork, Message: err.Error()}
}

// backoffDelay computes the exponential delay before retry number
// retryCount+1, capped at max.
func backoffDelay(retryCount int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
