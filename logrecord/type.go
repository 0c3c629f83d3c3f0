package logrecord

import "strconv"

// Type identifies the kind of a record. Values are persisted.
type Type uint32

const (
	TypeInvalid            Type = 0
	TypeBeginTransaction   Type = 1
	TypeOperation          Type = 2
	TypeEndTransaction     Type = 3
	TypeBarrier            Type = 4
	TypeUpdateEpoch        Type = 5
	TypeBackup             Type = 6
	TypeBeginCheckpoint    Type = 7
	TypeEndCheckpoint      Type = 8
	TypeIndexing           Type = 9
	TypeTruncateHead       Type = 10
	TypeTruncateTail       Type = 11
	TypeInformation        Type = 12
	TypeCompleteCheckpoint Type = 13
)

var typeNames = map[Type]string{
	TypeBeginTransaction:   "BeginTransaction",
	TypeOperation:          "Operation",
	TypeEndTransaction:     "EndTransaction",
	TypeBarrier:            "Barrier",
	TypeUpdateEpoch:        "UpdateEpoch",
	TypeBackup:             "Backup",
	TypeBeginCheckpoint:    "BeginCheckpoint",
	TypeEndCheckpoint:      "EndCheckpoint",
	TypeIndexing:           "Indexing",
	TypeTruncateHead:       "TruncateHead",
	TypeTruncateTail:       "TruncateTail",
	TypeInformation:        "Information",
	TypeCompleteCheckpoint: "CompleteCheckpoint",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Type(" + strconv.FormatUint(uint64(t), 10) + ")"
}

// Valid reports whether t is a known record type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsLogical reports whether records of type t carry state changes and
// participate in LSN ordering.
func (t Type) IsLogical() bool {
	switch t {
	case TypeBeginTransaction, TypeOperation, TypeEndTransaction,
		TypeBarrier, TypeUpdateEpoch, TypeBackup, TypeBeginCheckpoint:
		return true
	}
	return false
}

// IsPhysical reports whether records of type t are local bookkeeping.
func (t Type) IsPhysical() bool { return t.Valid() && !t.IsLogical() }

// IsReplicated reports whether records of type t are sent to secondaries
// and consume a new LSN.
func (t Type) IsReplicated() bool {
	switch t {
	case TypeBeginTransaction, TypeOperation, TypeEndTransaction, TypeBarrier, TypeBackup:
		return true
	}
	return false
}

// Mode selects between the local log encoding and the replication encoding.
// Physical mode adds the PSN and back-pointer fields.
type Mode int

const (
	ModePhysical Mode = iota
	ModeLogical
)
