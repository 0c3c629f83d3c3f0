package logrecord

import txnlog "github.com/microsoft/service-fabric-sub010"

// TruncationState is the progress of a head truncation. States are ordered
// and a truncation only ever moves to a higher state.
type TruncationState int

const (
	TruncationInvalid TruncationState = iota
	TruncationReady
	TruncationApplied
	TruncationCompleted
	TruncationAborted
	TruncationFaulted
)

func (s TruncationState) String() string {
	switch s {
	case TruncationReady:
		return "Ready"
	case TruncationApplied:
		return "Applied"
	case TruncationCompleted:
		return "Completed"
	case TruncationAborted:
		return "Aborted"
	case TruncationFaulted:
		return "Faulted"
	}
	return "Invalid"
}

// Terminal reports whether no further transition is allowed from s.
func (s TruncationState) Terminal() bool {
	return s == TruncationCompleted || s == TruncationAborted || s == TruncationFaulted
}

func (s TruncationState) check(next TruncationState) error {
	if s.Terminal() {
		return txnlog.InvalidStatef("logrecord.SetTruncationState", "truncation already %s, cannot move to %s", s, next)
	}
	if next <= s {
		return txnlog.InvalidStatef("logrecord.SetTruncationState", "cannot move truncation from %s to %s", s, next)
	}
	return nil
}
