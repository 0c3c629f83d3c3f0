package copystream

import (
	"fmt"
	"strings"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
)

// EmptyStateProviderID is reserved and never identifies a state provider.
const EmptyStateProviderID int64 = 0

// MetadataMode is the lifecycle state of a state provider's metadata.
type MetadataMode uint8

const (
	MetadataActive MetadataMode = iota
	MetadataFalseProgress
	MetadataDelayDelete
)

func (m MetadataMode) String() string {
	switch m {
	case MetadataActive:
		return "Active"
	case MetadataFalseProgress:
		return "FalseProgress"
	case MetadataDelayDelete:
		return "DelayDelete"
	}
	return fmt.Sprintf("MetadataMode(%d)", uint8(m))
}

// TypeIdentity names the implementation of a state provider, either by its
// fully qualified name or by an opaque serialized value.
type TypeIdentity struct {
	Name  string
	Value []byte
}

// ByName reports whether the identity is a type name.
func (t TypeIdentity) ByName() bool { return t.Value == nil }

func (t TypeIdentity) String() string {
	if t.ByName() {
		return t.Name
	}
	return fmt.Sprintf("<%d byte type value>", len(t.Value))
}

// SerializableMetadata describes one state provider in a checkpoint or copy.
type SerializableMetadata struct {
	// Name is the hierarchical resource name, e.g. "fabric:/app/store".
	Name                  string
	Type                  TypeIdentity
	InitializationContext []byte
	StateProviderID       int64
	ParentStateProviderID int64
	MetadataMode          MetadataMode
	CreateLSN             txnlog.LSN
	DeleteLSN             txnlog.LSN
}

// NewSerializableMetadata returns metadata for a registered state provider.
func NewSerializableMetadata(name string, typ TypeIdentity, initContext []byte, id, parentID int64, mode MetadataMode, createLSN txnlog.LSN) (*SerializableMetadata, error) {
	const op = "copystream.NewSerializableMetadata"
	if id == EmptyStateProviderID {
		return nil, &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: "state provider id must not be empty"}
	}
	if name == "" || strings.TrimSpace(name) != name {
		return nil, &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: fmt.Sprintf("invalid state provider name %q", name)}
	}
	return &SerializableMetadata{
		Name:                  name,
		Type:                  typ,
		InitializationContext: initContext,
		StateProviderID:       id,
		ParentStateProviderID: parentID,
		MetadataMode:          mode,
		CreateLSN:             createLSN,
		DeleteLSN:             txnlog.InvalidLSN,
	}, nil
}

// IsDeleted reports whether a delete LSN has been recorded.
func (m *SerializableMetadata) IsDeleted() bool { return m.DeleteLSN != txnlog.InvalidLSN }

// MarkDeleted records the LSN at which the state provider was removed. It
// may be called once.
func (m *SerializableMetadata) MarkDeleted(lsn txnlog.LSN) error {
	if m.IsDeleted() {
		return txnlog.InvalidStatef("copystream.MarkDeleted", "state provider %d already deleted at lsn %d", m.StateProviderID, m.DeleteLSN)
	}
	if !lsn.Valid() {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: "copystream.MarkDeleted", Msg: "delete lsn must be valid"}
	}
	m.DeleteLSN = lsn
	return nil
}

func (m *SerializableMetadata) write(w *binaryio.Writer) {
	start := w.BeginSection()
	w.WriteString(m.Name)
	w.WriteString(m.Type.Name)
	w.WriteBytes(m.Type.Value)
	w.WriteBytes(m.InitializationContext)
	w.WriteInt64(m.StateProviderID)
	w.WriteInt64(m.ParentStateProviderID)
	w.WriteUint8(uint8(m.MetadataMode))
	w.WriteInt64(int64(m.CreateLSN))
	w.WriteInt64(int64(m.DeleteLSN))
	w.EndSection(start)
}

func readSerializableMetadata(r *binaryio.Reader) (*SerializableMetadata, error) {
	end, err := r.BeginSection()
	if err != nil {
		return nil, err
	}
	m := &SerializableMetadata{}
	if m.Name, err = r.ReadString(); err != nil {
		return nil, err
	}
	if m.Type.Name, err = r.ReadString(); err != nil {
		return nil, err
	}
	if m.Type.Value, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	if m.InitializationContext, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	if m.StateProviderID, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if m.ParentStateProviderID, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	mode, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	m.MetadataMode = MetadataMode(mode)
	createLSN, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	deleteLSN, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	m.CreateLSN, m.DeleteLSN = txnlog.LSN(createLSN), txnlog.LSN(deleteLSN)
	if err := r.EndSection(end); err != nil {
		return nil, err
	}
	if m.StateProviderID == EmptyStateProviderID {
		return nil, txnlog.Corruptf("copystream.readSerializableMetadata", "metadata %q has an empty state provider id", m.Name)
	}
	return m, nil
}
