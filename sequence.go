package txnlog

import (
	"fmt"
	"math"
	"strconv"
)

// LSN is a logical sequence number. LSNs are assigned to logical records in
// replication order and are shared by every replica of a partition.
type LSN int64

const (
	InvalidLSN LSN = -1
	ZeroLSN    LSN = 0
	OneLSN     LSN = 1
	MaxLSN     LSN = math.MaxInt64
)

// Valid reports whether l is not InvalidLSN.
func (l LSN) Valid() bool { return l != InvalidLSN }

func (l LSN) String() string {
	if l == InvalidLSN {
		return "invalid"
	}
	return strconv.FormatInt(int64(l), 10)
}

// PSN is a physical sequence number. PSNs are local to a replica and
// increase by one for every record written to the local log.
type PSN int64

const (
	InvalidPSN PSN = -1
	ZeroPSN    PSN = 0
)

// Valid reports whether p is not InvalidPSN.
func (p PSN) Valid() bool { return p != InvalidPSN }

func (p PSN) String() string {
	if p == InvalidPSN {
		return "invalid"
	}
	return strconv.FormatInt(int64(p), 10)
}

// Epoch identifies a primary's reign. Epochs are ordered by data loss
// number first and configuration number second.
type Epoch struct {
	DataLossNumber      int64
	ConfigurationNumber int64
}

var (
	InvalidEpoch = Epoch{DataLossNumber: -1, ConfigurationNumber: -1}
	ZeroEpoch    = Epoch{}
)

// NewEpoch returns an epoch with the given components.
func NewEpoch(dataLoss, configuration int64) Epoch {
	return Epoch{DataLossNumber: dataLoss, ConfigurationNumber: configuration}
}

// Compare returns -1, 0 or +1 depending on whether e is lower, equal to or
// higher than other.
func (e Epoch) Compare(other Epoch) int {
	switch {
	case e.DataLossNumber < other.DataLossNumber:
		return -1
	case e.DataLossNumber > other.DataLossNumber:
		return 1
	case e.ConfigurationNumber < other.ConfigurationNumber:
		return -1
	case e.ConfigurationNumber > other.ConfigurationNumber:
		return 1
	}
	return 0
}

func (e Epoch) Less(other Epoch) bool    { return e.Compare(other) < 0 }
func (e Epoch) Greater(other Epoch) bool { return e.Compare(other) > 0 }

// Valid reports whether e is not InvalidEpoch.
func (e Epoch) Valid() bool { return e != InvalidEpoch }

func (e Epoch) String() string {
	return fmt.Sprintf("%d:%d", e.DataLossNumber, e.ConfigurationNumber)
}

// ReplicaRole is the role the local replica currently plays in the partition.
type ReplicaRole int

const (
	RoleUnknown ReplicaRole = iota
	RoleNone
	RoleIdleSecondary
	RoleActiveSecondary
	RolePrimary
)

func (r ReplicaRole) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleIdleSecondary:
		return "idle-secondary"
	case RoleActiveSecondary:
		return "active-secondary"
	case RolePrimary:
		return "primary"
	}
	return "unknown"
}

// UniversalReplicaID is the primary replica id recorded in records that were
// not produced by any particular primary.
const UniversalReplicaID int64 = 0
