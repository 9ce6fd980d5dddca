package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/jobsweep/internal/harvest"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageSiteSkipped   Stage = "SITE_SKIPPED"
	StageSiteStart     Stage = "SITE_START"
	StageAttemptFailed Stage = "SITE_ATTEMPT_FAILED"
	StageSiteDone      Stage = "SITE_DONE"
	StageSiteFailed    Stage = "SITE_FAILED"
	StageSiteTimeout   Stage = "SITE_TIMEOUT"
)

// Event captures a single milestone of a run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site scopes site events; empty for run events.
	Site string
	// Attempt is the 1-based attempt number, or the total attempts on
	// terminal site events.
	Attempt int
	// Items is the number of listings collected.
	Items int
	// Reason classifies failures.
	Reason harvest.Reason
	// Dur captures attempt, site, or run latency.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageSiteSkipped, StageSiteStart, StageSiteDone, StageSiteFailed, StageSiteTimeout:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageAttemptFailed:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
		if e.Attempt <= 0 {
			return errors.New("attempt failure requires attempt number")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// StageForOutcome maps a terminal site outcome to its stage.
func StageForOutcome(o harvest.Outcome) Stage {
	switch {
	case o.Succeeded():
		return StageSiteDone
	case o.Failure.Reason == harvest.ReasonCircuitOpen:
		return StageSiteSkipped
	case o.Failure.Reason == harvest.ReasonTimeout:
		return StageSiteTimeout
	default:
		return StageSiteFailed
	}
}
