package intake

import (
	"github.com/rs/zerolog"

	"github.com/edgefix/edgefix/internal/types"
)

// Submitter is the resolver's intake.
type Submitter interface {
	Submit(alert types.Alert) (bool, error)
}

// Intake filters redeliveries and forwards new alerts to the resolver.
type Intake struct {
	dedupe *Deduper
	target Submitter
	log    zerolog.Logger
}

func New(dedupe *Deduper, target Submitter, log zerolog.Logger) *Intake {
	return &Intake{
		dedupe: dedupe,
		target: target,
		log:    log.With().Str("component", "intake").Logger(),
	}
}

// Accept forwards alert unless it is a redelivery. It reports whether the
// resolver took a new alert.
func (in *Intake) Accept(alert types.Alert) (bool, error) {
	if in.dedupe.Seen(alert) {
		return false, nil
	}
	ok, err := in.target.Submit(alert)
	if err != nil {
		// a rejected delivery may be corrected and sent again
		in.dedupe.Forget(alert)
		return false, err
	}
	return ok, nil
}

// Cleanup prunes the dedupe window.
func (in *Intake) Cleanup() int {
	return in.dedupe.Cleanup()
}
