// Package notifier delivers resolution outcomes to downstream notification
// and ticketing systems. Delivery is asynchronous and never blocks the
// resolver.
package notifier

import (
	"context"
	"fmt"

	"github.com/edgefix/edgefix/internal/types"
)

// Sink receives terminal resolution outcomes.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, o types.Outcome) error
}

// summary renders an outcome as a one-line title and a text body.
func summary(o types.Outcome) (string, string) {
	var mark string
	switch o.Status {
	case types.StatusSuccess:
		mark = "🟢"
	case types.StatusFailed:
		mark = "🔴"
	default:
		mark = "⚠️"
	}
	title := fmt.Sprintf("%s edgefix: %s %s on %s", mark, o.AlertType, o.Status, o.DeviceID)
	body := fmt.Sprintf("Alert: %s\nDevice: %s\nAttempt: %d\nStatus: %s\nReason: %s\nCompleted at: %s",
		o.AlertID, o.DeviceID, o.AttemptNumber, o.Status, o.Reason, o.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
	return title, body
}
