package txnlog_test

import (
	"fmt"
	"testing"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/stretchr/testify/require"
)

func TestEpoch_Compare(t *testing.T) {
	for _, tt := range []struct {
		a, b txnlog.Epoch
		want int
	}{
		{txnlog.NewEpoch(1, 5), txnlog.NewEpoch(1, 4), 1},
		{txnlog.NewEpoch(2, 0), txnlog.NewEpoch(1, 99), 1},
		{txnlog.NewEpoch(1, 4), txnlog.NewEpoch(1, 4), 0},
		{txnlog.NewEpoch(0, 9), txnlog.NewEpoch(1, 0), -1},
		{txnlog.InvalidEpoch, txnlog.ZeroEpoch, -1},
	} {
		t.Run(fmt.Sprintf("%s_%s", tt.a, tt.b), func(t *testing.T) {
			require.Equal(t, tt.want, tt.a.Compare(tt.b))
			require.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestEpoch_Equality(t *testing.T) {
	require.Equal(t, txnlog.NewEpoch(3, 7), txnlog.NewEpoch(3, 7))
	require.NotEqual(t, txnlog.NewEpoch(3, 7), txnlog.NewEpoch(3, 8))
	require.False(t, txnlog.InvalidEpoch.Valid())
	require.True(t, txnlog.ZeroEpoch.Valid())
}

func TestLSN_Constants(t *testing.T) {
	require.True(t, txnlog.InvalidLSN < txnlog.ZeroLSN)
	require.True(t, txnlog.ZeroLSN < txnlog.OneLSN)
	require.True(t, txnlog.OneLSN < txnlog.MaxLSN)
	require.Equal(t, "invalid", txnlog.InvalidLSN.String())
	require.Equal(t, "42", txnlog.LSN(42).String())
	require.False(t, txnlog.InvalidPSN.Valid())
}

func TestApplyContext_Compose(t *testing.T) {
	ac, err := txnlog.ComposeApplyContext(txnlog.ApplyPrimary, txnlog.ApplyRedo)
	require.NoError(t, err)
	require.Equal(t, txnlog.PrimaryRedo, ac)
	require.Equal(t, txnlog.ApplyPrimary, ac.Role())
	require.Equal(t, txnlog.ApplyRedo, ac.Operation())

	ac, err = txnlog.ComposeApplyContext(txnlog.ApplySecondary, txnlog.ApplyFalseProgress)
	require.NoError(t, err)
	require.Equal(t, txnlog.SecondaryFalseProgress, ac)

	_, err = txnlog.ComposeApplyContext(txnlog.ApplyPrimary, txnlog.ApplyFalseProgress)
	require.Error(t, err)
	require.Equal(t, txnlog.EInvalidState, txnlog.ErrorCode(err))

	_, err = txnlog.ComposeApplyContext(txnlog.ApplyPrimary|txnlog.ApplySecondary, txnlog.ApplyRedo)
	require.Error(t, err)

	_, err = txnlog.ComposeApplyContext(txnlog.ApplyRedo, txnlog.ApplyUndo)
	require.Error(t, err)
}

func TestApplyContext_String(t *testing.T) {
	require.Equal(t, "RecoveryUndo", txnlog.RecoveryUndo.String())
	require.Equal(t, "Invalid", txnlog.ApplyInvalid.String())
	require.Equal(t, "Illegal(Primary|FalseProgress)", (txnlog.ApplyPrimary | txnlog.ApplyFalseProgress).String())
	require.False(t, (txnlog.ApplyPrimary | txnlog.ApplyFalseProgress).Valid())
}
