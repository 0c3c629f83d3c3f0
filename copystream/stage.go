package copystream

import (
	"strconv"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

// Stage is a phase of state transfer from a primary to a building
// secondary. Values are persisted on the wire.
type Stage int32

const (
	StageInvalid Stage = iota
	StageCopyMetadata
	StageCopyNone
	StageCopyState
	StageCopyProgressVector
	StageCopyFalseProgress
	StageCopyScanToStartingLSN
	StageCopyLog
	StageCopyDone
)

var stageNames = [...]string{
	StageInvalid:               "Invalid",
	StageCopyMetadata:          "CopyMetadata",
	StageCopyNone:              "CopyNone",
	StageCopyState:             "CopyState",
	StageCopyProgressVector:    "CopyProgressVector",
	StageCopyFalseProgress:     "CopyFalseProgress",
	StageCopyScanToStartingLSN: "CopyScanToStartingLSN",
	StageCopyLog:               "CopyLog",
	StageCopyDone:              "CopyDone",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "Stage(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is a known stage other than StageInvalid.
func (s Stage) Valid() bool { return s > StageInvalid && s <= StageCopyDone }

// rank orders stages. CopyNone and CopyState are alternatives and share a rank.
func (s Stage) rank() int {
	if s >= StageCopyState {
		return int(s) - 1
	}
	return int(s)
}

// StageTracker enforces that a copy session only moves forward through the
// stages. The zero value is ready to use.
type StageTracker struct {
	current Stage
}

// Current returns the last stage accepted by Advance.
func (t *StageTracker) Current() Stage { return t.current }

// Advance moves to next. Stages may be skipped but never revisited, and
// nothing but CopyDone may follow CopyNone.
func (t *StageTracker) Advance(next Stage) error {
	switch {
	case !next.Valid():
		return txnlog.Corruptf("copystream.Advance", "invalid copy stage %d", int32(next))
	case t.current == StageCopyNone && next != StageCopyDone:
		return txnlog.InvalidStatef("copystream.Advance", "%s after %s", next, t.current)
	case next.rank() <= t.current.rank():
		return txnlog.InvalidStatef("copystream.Advance", "%s after %s", next, t.current)
	}
	t.current = next
	return nil
}

const stageSegmentSize = 4

// TagStage appends the stage segment that marks an operation of a copy
// stream with the stage it belongs to.
func TagStage(data [][]byte, s Stage) [][]byte {
	w := binaryio.NewWriter(make([]byte, 0, stageSegmentSize))
	w.WriteUint32(uint32(s))
	return append(data, w.Bytes())
}

// SplitStage returns the stage of a tagged operation and its payload segments.
func SplitStage(data [][]byte) (Stage, [][]byte, error) {
	if len(data) == 0 {
		return StageInvalid, nil, txnlog.Corruptf("copystream.SplitStage", "copy operation has no segments")
	}
	last := data[len(data)-1]
	if len(last) != stageSegmentSize {
		return StageInvalid, nil, txnlog.Corruptf("copystream.SplitStage", "stage segment of %d bytes", len(last))
	}
	v, _ := binaryio.NewReader(last).ReadUint32()
	s := Stage(v)
	if !s.Valid() {
		return StageInvalid, nil, txnlog.Corruptf("copystream.SplitStage", "invalid copy stage %d", v)
	}
	return s, data[:len(data)-1], nil
}
