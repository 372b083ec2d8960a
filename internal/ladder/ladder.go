// Package ladder holds the remedy ladders: per alert type, an ordered list of
// commands and the rules that turn each command's result into the next move.
// Ladders are plain data loaded at startup and never change afterwards.
package ladder

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/edgefix/edgefix/internal/command"
	"github.com/edgefix/edgefix/internal/config"
	"github.com/edgefix/edgefix/internal/types"
)

// Action is what the engine does after interpreting a step result.
type Action string

const (
	// ActionResolve ends the attempt as Resolved.
	ActionResolve Action = "resolve"
	// ActionNext advances to the next step.
	ActionNext Action = "next"
	// ActionFail ends the attempt as Failed.
	ActionFail Action = "fail"
	// ActionRetry runs the same step again while retries remain, then advances.
	ActionRetry Action = "retry"
)

func (a Action) valid() bool {
	switch a {
	case ActionResolve, ActionNext, ActionFail, ActionRetry:
		return true
	}
	return false
}

// ErrNoLadder matches every ConfigurationError.
var ErrNoLadder = errors.New("no remedy ladder")

// ConfigurationError reports an alert type without a usable ladder.
type ConfigurationError struct {
	AlertType types.AlertType
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no remedy ladder for alert type %s", e.AlertType)
}

// Is lets errors.Is(err, ErrNoLadder) match.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrNoLadder
}

// Step is one rung of a ladder.
type Step struct {
	Command string
	Payload []byte
	Timeout time.Duration // zero means the engine default
	Retries int
	On      map[command.Kind]Action
	Default Action
}

// ActionFor interprets a command result.
func (s Step) ActionFor(kind command.Kind) Action {
	if a, ok := s.On[kind]; ok {
		return a
	}
	if s.Default != "" {
		return s.Default
	}
	return ActionNext
}

// Ladder is the remedy sequence for one alert type.
type Ladder struct {
	AlertType types.AlertType
	Steps     []Step
	RetryOn   []types.Status
}

// RetryOnStatus reports whether an attempt ending in status warrants a fresh attempt.
func (l Ladder) RetryOnStatus(status types.Status) bool {
	for _, s := range l.RetryOn {
		if s == status {
			return true
		}
	}
	return false
}

func (l Ladder) clone() Ladder {
	out := Ladder{
		AlertType: l.AlertType,
		Steps:     make([]Step, len(l.Steps)),
		RetryOn:   append([]types.Status(nil), l.RetryOn...),
	}
	for i, s := range l.Steps {
		s.Payload = append([]byte(nil), s.Payload...)
		on := make(map[command.Kind]Action, len(s.On))
		for k, v := range s.On {
			on[k] = v
		}
		s.On = on
		out.Steps[i] = s
	}
	return out
}

func (l Ladder) validate() error {
	if l.AlertType == "" {
		return fmt.Errorf("alert type is required")
	}
	if len(l.Steps) == 0 {
		return fmt.Errorf("ladder %s: at least one step is required", l.AlertType)
	}
	for i, s := range l.Steps {
		if s.Command == "" {
			return fmt.Errorf("ladder %s, step %d: command is required", l.AlertType, i)
		}
		if s.Retries < 0 {
			return fmt.Errorf("ladder %s, step %d: retries must be >= 0", l.AlertType, i)
		}
		if s.Default != "" && !s.Default.valid() {
			return fmt.Errorf("ladder %s, step %d: unknown default action %q", l.AlertType, i, s.Default)
		}
		for kind, a := range s.On {
			if !knownKind(kind) {
				return fmt.Errorf("ladder %s, step %d: unknown outcome %q", l.AlertType, i, kind)
			}
			if !a.valid() {
				return fmt.Errorf("ladder %s, step %d: unknown action %q for %s", l.AlertType, i, a, kind)
			}
		}
	}
	for _, s := range l.RetryOn {
		if s != types.StatusFailed && s != types.StatusSkipped {
			return fmt.Errorf("ladder %s: retry_on accepts Failed or Skipped, got %q", l.AlertType, s)
		}
	}
	return nil
}

func knownKind(k command.Kind) bool {
	for _, known := range command.Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Registry maps alert types to their ladders.
type Registry struct {
	ladders map[types.AlertType]Ladder
}

// NewRegistry validates ladders and builds a registry.
func NewRegistry(ladders ...Ladder) (*Registry, error) {
	r := &Registry{ladders: make(map[types.AlertType]Ladder, len(ladders))}
	for _, l := range ladders {
		if err := l.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.ladders[l.AlertType]; dup {
			return nil, fmt.Errorf("ladder %s defined twice", l.AlertType)
		}
		r.ladders[l.AlertType] = l.clone()
	}
	return r, nil
}

// FromConfig builds a registry from the ladders section of the configuration.
func FromConfig(cfg map[string]config.LadderConfig) (*Registry, error) {
	ladders := make([]Ladder, 0, len(cfg))
	for alertType, lc := range cfg {
		l := Ladder{AlertType: types.AlertType(alertType)}
		for _, s := range lc.RetryOn {
			l.RetryOn = append(l.RetryOn, types.Status(s))
		}
		for _, sc := range lc.Steps {
			step := Step{
				Command: sc.Command,
				Timeout: sc.Timeout,
				Retries: sc.Retries,
				Default: Action(sc.Default),
				On:      make(map[command.Kind]Action, len(sc.On)),
			}
			if sc.Payload != "" {
				step.Payload = []byte(sc.Payload)
			}
			for outcome, action := range sc.On {
				step.On[command.Kind(outcome)] = Action(action)
			}
			l.Steps = append(l.Steps, step)
		}
		ladders = append(ladders, l)
	}
	return NewRegistry(ladders...)
}

// LadderFor returns a copy of the ladder for alertType, or a
// *ConfigurationError when none is registered.
func (r *Registry) LadderFor(alertType types.AlertType) (Ladder, error) {
	l, ok := r.ladders[alertType]
	if !ok {
		return Ladder{}, &ConfigurationError{AlertType: alertType}
	}
	return l.clone(), nil
}

// Types returns the registered alert types, sorted.
func (r *Registry) Types() []types.AlertType {
	out := make([]types.AlertType, 0, len(r.ladders))
	for t := range r.ladders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
