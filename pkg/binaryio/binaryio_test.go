package binaryio_test

import (
	"errors"
	"testing"

	"github.com/microsoft/service-fabric-sub010/pkg/binaryio"
	"github.com/stretchr/testify/require"
)

func TestSection_SkipsUnknownTrailingFields(t *testing.T) {
	w := binaryio.NewWriter(nil)
	start := w.BeginSection()
	w.WriteInt64(42)
	w.WriteString("added by a newer writer")
	w.WriteUint32(7)
	size := w.EndSection(start)
	w.WriteInt64(99)
	require.Equal(t, uint32(4+8+4+23+4), size)

	r := binaryio.NewReader(w.Bytes())
	end, err := r.BeginSection()
	require.NoError(t, err)
	v, err := r.ReadInt64()
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
	require.NoError(t, r.EndSection(end))

	next, err := r.ReadInt64()
	require.NoError(t, err)
	require.Equal(t, int64(99), next)
	require.Zero(t, r.Remaining())
}

func TestSection_OverrunIsCorruption(t *testing.T) {
	w := binaryio.NewWriter(nil)
	start := w.BeginSection()
	w.WriteUint32(1)
	w.EndSection(start)
	w.WriteUint32(2)

	r := binaryio.NewReader(w.Bytes())
	end, err := r.BeginSection()
	require.NoError(t, err)
	_, err = r.ReadUint64()
	require.NoError(t, err)
	err = r.EndSection(end)
	require.True(t, errors.Is(err, binaryio.ErrCorrupt))
}

func TestSection_SizeBeyondBuffer(t *testing.T) {
	w := binaryio.NewWriter(nil)
	w.WriteUint32(64)
	r := binaryio.NewReader(w.Bytes())
	_, err := r.BeginSection()
	require.True(t, errors.Is(err, binaryio.ErrCorrupt))

	r = binaryio.NewReader([]byte{2, 0, 0, 0})
	_, err = r.BeginSection()
	require.True(t, errors.Is(err, binaryio.ErrCorrupt))
}

func TestReader_ShortBuffer(t *testing.T) {
	r := binaryio.NewReader([]byte{1, 2, 3})
	_, err := r.ReadUint32()
	require.True(t, errors.Is(err, binaryio.ErrCorrupt))

	r = binaryio.NewReader([]byte{2})
	_, err = r.ReadBool()
	require.True(t, errors.Is(err, binaryio.ErrCorrupt))
}

func TestBytes_NilAndEmpty(t *testing.T) {
	w := binaryio.NewWriter(nil)
	w.WriteBytes(nil)
	w.WriteBytes([]byte{})
	w.WriteBytes([]byte("abc"))

	r := binaryio.NewReader(w.Bytes())
	b, err := r.ReadBytes()
	require.NoError(t, err)
	require.Nil(t, b)
	b, err = r.ReadBytes()
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Empty(t, b)
	b, err = r.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), b)
}

func TestAlignment(t *testing.T) {
	require.True(t, binaryio.IsAligned(0))
	require.True(t, binaryio.IsAligned(16))
	require.False(t, binaryio.IsAligned(12))
	require.NoError(t, binaryio.CheckAligned(24))
	require.Error(t, binaryio.CheckAligned(25))

	w := binaryio.NewWriter(nil)
	w.WriteUint8(1)
	w.WritePaddingUntilAligned()
	require.Equal(t, 8, w.Position())
	w.WritePaddingUntilAligned()
	require.Equal(t, 8, w.Position())

	r := binaryio.NewReader(w.Bytes())
	_, err := r.ReadUint8()
	require.NoError(t, err)
	require.NoError(t, r.ReadPaddingUntilAligned())
	require.Equal(t, 8, r.Position())

	r = binaryio.NewReader([]byte{1, 0, 0, 9, 0, 0, 0, 0})
	_, _ = r.ReadUint8()
	require.Error(t, r.ReadPaddingUntilAligned())
}

func TestChecksum(t *testing.T) {
	a := binaryio.Checksum([]byte("log record"))
	require.Equal(t, a, binaryio.Checksum([]byte("log record")))
	require.NotEqual(t, a, binaryio.Checksum([]byte("log recorD")))
}
