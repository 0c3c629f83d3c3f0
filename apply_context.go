package txnlog

import "strings"

// ApplyContext tells a state provider why a record is being applied. It is a
// bitmask combining one role bit with one operation bit.
type ApplyContext uint32

// Operation bits.
const (
	ApplyRedo          ApplyContext = 0x1
	ApplyUndo          ApplyContext = 0x2
	ApplyUnlock        ApplyContext = 0x4
	ApplyFalseProgress ApplyContext = 0x8

	applyOperationMask ApplyContext = 0xF
)

// Role bits.
const (
	ApplyPrimary   ApplyContext = 0x10
	ApplySecondary ApplyContext = 0x20
	ApplyRecovery  ApplyContext = 0x40

	applyRoleMask ApplyContext = 0xF0
)

const ApplyInvalid ApplyContext = 0

// Legal combinations.
const (
	PrimaryRedo            = ApplyPrimary | ApplyRedo
	PrimaryUndo            = ApplyPrimary | ApplyUndo
	PrimaryUnlock          = ApplyPrimary | ApplyUnlock
	SecondaryRedo          = ApplySecondary | ApplyRedo
	SecondaryUndo          = ApplySecondary | ApplyUndo
	SecondaryUnlock        = ApplySecondary | ApplyUnlock
	SecondaryFalseProgress = ApplySecondary | ApplyFalseProgress
	RecoveryRedo           = ApplyRecovery | ApplyRedo
	RecoveryUndo           = ApplyRecovery | ApplyUndo
	RecoveryUnlock         = ApplyRecovery | ApplyUnlock
)

var legalApplyContexts = map[ApplyContext]string{
	PrimaryRedo:            "PrimaryRedo",
	PrimaryUndo:            "PrimaryUndo",
	PrimaryUnlock:          "PrimaryUnlock",
	SecondaryRedo:          "SecondaryRedo",
	SecondaryUndo:          "SecondaryUndo",
	SecondaryUnlock:        "SecondaryUnlock",
	SecondaryFalseProgress: "SecondaryFalseProgress",
	RecoveryRedo:           "RecoveryRedo",
	RecoveryUndo:           "RecoveryUndo",
	RecoveryUnlock:         "RecoveryUnlock",
}

// Role returns the role component of c.
func (c ApplyContext) Role() ApplyContext { return c & applyRoleMask }

// Operation returns the operation component of c.
func (c ApplyContext) Operation() ApplyContext { return c & applyOperationMask }

// Valid reports whether c is one of the legal role/operation combinations.
func (c ApplyContext) Valid() bool {
	_, ok := legalApplyContexts[c]
	return ok
}

// ComposeApplyContext combines a role bit and an operation bit. Combinations
// that are not legal return an invalid state error.
func ComposeApplyContext(role, op ApplyContext) (ApplyContext, error) {
	if role&^applyRoleMask != 0 || op&^applyOperationMask != 0 {
		return ApplyInvalid, InvalidStatef("txnlog.ComposeApplyContext", "role %#x and operation %#x overlap", uint32(role), uint32(op))
	}
	c := role | op
	if !c.Valid() {
		return ApplyInvalid, InvalidStatef("txnlog.ComposeApplyContext", "illegal apply context %#x", uint32(c))
	}
	return c, nil
}

func (c ApplyContext) String() string {
	if name, ok := legalApplyContexts[c]; ok {
		return name
	}
	if c == ApplyInvalid {
		return "Invalid"
	}
	var parts []string
	for _, b := range []struct {
		bit  ApplyContext
		name string
	}{
		{ApplyPrimary, "Primary"}, {ApplySecondary, "Secondary"}, {ApplyRecovery, "Recovery"},
		{ApplyRedo, "Redo"}, {ApplyUndo, "Undo"}, {ApplyUnlock, "Unlock"}, {ApplyFalseProgress, "FalseProgress"},
	} {
		if c&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return "Illegal(" + strings.Join(parts, "|") + ")"
}
