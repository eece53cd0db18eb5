// Package loop holds the pure parts of the leverage loop engine: the
// termination policy, display metrics, the activity timeline and the merge of
// event and poll observations.
package loop

import "github.com/alanyoungcy/loopbot/internal/domain"

// Policy decides when the automation should stop looping.
type Policy struct {
	TargetLTVBps  int64
	MaxIterations uint64
}

// Decision is the result of Policy.Decide.
type Decision struct {
	Continue bool
	Reason   domain.StopReason
}

// Decide checks the target LTV before the iteration cap.
func (p Policy) Decide(iterationID uint64, ltvBps int64) Decision {
	if ltvBps >= p.TargetLTVBps {
		return Decision{Reason: domain.StopTargetReached}
	}
	if iterationID >= p.MaxIterations {
		return Decision{Reason: domain.StopIterationCap}
	}
	return Decision{Continue: true}
}
