// Package config holds the consensus core's tunable durations and
// buffer sizes, grounded on the teacher's eth/ethconfig.Config /
// Defaults pattern of a plain settings struct with a package-level
// Defaults value.
package config

import "time"

// ViewScaling picks how per-step timeouts grow across views within
// the same height, per §5's "monotonically scaled by a view-dependent
// factor" policy knob.
type ViewScaling uint8

const (
	// ViewScalingLinear grows a step's timeout by baseStep*view.
	ViewScalingLinear ViewScaling = iota
	// ViewScalingExponential doubles a step's timeout every view.
	ViewScalingExponential
)

// Config collects the consensus core's runtime tunables.
type Config struct {
	// ProposeTimeout, PrevoteTimeout, PrecommitTimeout, CommitTimeout
	// are the base per-step durations at view 0.
	ProposeTimeout   time.Duration
	PrevoteTimeout   time.Duration
	PrecommitTimeout time.Duration
	CommitTimeout    time.Duration

	// ViewScaling selects how timeouts grow for view > 0.
	ViewScaling ViewScaling

	// EventQueueCapacity bounds the EngineDriver's inbound event
	// channel (§5 "bounded channel").
	EventQueueCapacity int

	// FutureHeightVoteBufferSize bounds the LRU cache of votes
	// received for heights above the current one (§4.4 "buffered for
	// late catch-up").
	FutureHeightVoteBufferSize int

	// EquivocationEvidenceBufferSize bounds the evidence ring buffer
	// (§7).
	EquivocationEvidenceBufferSize int

	// SyncRequestInterval is how often the syncLoop checks progress and
	// re-broadcasts StepState if neither height nor view has advanced
	// since the last tick, grounded on the teacher's 10-second syncLoop
	// ticker.
	SyncRequestInterval time.Duration
}

// Defaults mirrors the teacher's package-level Defaults value.
var Defaults = Config{
	ProposeTimeout:                 3 * time.Second,
	PrevoteTimeout:                 1 * time.Second,
	PrecommitTimeout:               1 * time.Second,
	CommitTimeout:                  2 * time.Second,
	ViewScaling:                    ViewScalingLinear,
	EventQueueCapacity:             256,
	FutureHeightVoteBufferSize:     1024,
	EquivocationEvidenceBufferSize: 64,
	SyncRequestInterval:            10 * time.Second,
}

// TimeoutFor returns the duration to arm for step at view, applying
// the configured view-scaling policy on top of the step's base
// duration.
func (c Config) TimeoutFor(step Step, view uint64) time.Duration {
	base := c.baseFor(step)
	if view == 0 {
		return base
	}
	switch c.ViewScaling {
	case ViewScalingExponential:
		return base << view
	default:
		return base * time.Duration(view+1)
	}
}

// Step names the four phases a timeout can be armed for, redeclared
// here (rather than importing consensus/tendermint/messages) to keep
// config free of a dependency on the wire codec.
type Step uint8

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
	StepCommit
)

func (c Config) baseFor(step Step) time.Duration {
	switch step {
	case StepPropose:
		return c.ProposeTimeout
	case StepPrevote:
		return c.PrevoteTimeout
	case StepPrecommit:
		return c.PrecommitTimeout
	case StepCommit:
		return c.CommitTimeout
	default:
		return c.ProposeTimeout
	}
}
