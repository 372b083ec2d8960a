// Package command sends single cloud-to-device commands to devices through
// their resolved connector. An invocation never retries; retry and backoff
// belong to the caller.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgefix/edgefix/internal/routing"
)

// Kind classifies the result of one command invocation.
type Kind string

const (
	Acked          Kind = "acked"
	TimedOut       Kind = "timed_out"
	Rejected       Kind = "rejected"
	TransportError Kind = "transport_error"
)

// Kinds lists every result kind, in a stable order.
var Kinds = []Kind{Acked, TimedOut, Rejected, TransportError}

var (
	ErrTimedOut  = errors.New("command timed out")
	ErrRejected  = errors.New("command rejected")
	ErrTransport = errors.New("transport error")
)

// Result is the outcome of one invocation.
type Result struct {
	Kind    Kind          `json:"kind"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Err returns nil for an acknowledged command and a wrapped sentinel otherwise.
func (r Result) Err() error {
	switch r.Kind {
	case Acked:
		return nil
	case TimedOut:
		return fmt.Errorf("%w: %s", ErrTimedOut, r.Detail)
	case Rejected:
		return fmt.Errorf("%w: %s", ErrRejected, r.Detail)
	default:
		return fmt.Errorf("%w: %s", ErrTransport, r.Detail)
	}
}

// Client is the cloud-to-device transport boundary.
type Client interface {
	Invoke(ctx context.Context, route routing.Entry, name string, payload []byte, timeout time.Duration) Result
}
