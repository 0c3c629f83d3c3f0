package txnlog_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/stretchr/testify/require"
)

func TestErrorMsg(t *testing.T) {
	cases := []struct {
		name string
		err  error
		msg  string
	}{
		{
			name: "simple error",
			err:  &txnlog.Error{Code: txnlog.ECorruption},
			msg:  "<corruption>",
		},
		{
			name: "with op",
			err: &txnlog.Error{
				Code: txnlog.ECorruption,
				Op:   "logrecord.Read",
			},
			msg: "logrecord.Read: <corruption>",
		},
		{
			name: "with op and value",
			err:  txnlog.Corruptf("logrecord.Read", "bad checksum %d", 7),
			msg:  "logrecord.Read: bad checksum 7",
		},
		{
			name: "with a third party error",
			err: &txnlog.Error{
				Code: txnlog.EInternal,
				Op:   "logio.FileLog.Open",
				Err:  errors.New("permission denied"),
			},
			msg: "logio.FileLog.Open: permission denied",
		},
		{
			name: "with an internal error",
			err: &txnlog.Error{
				Op:  "replicator.Open",
				Msg: "recover",
				Err: &txnlog.Error{Code: txnlog.EInvalidState, Op: "replicator.recover"},
			},
			msg: "replicator.Open: recover: replicator.recover: <invalid state>",
		},
	}
	for _, c := range cases {
		if c.msg != c.err.Error() {
			t.Fatalf("%s failed, want %s, got %s", c.name, c.msg, c.err.Error())
		}
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
		},
		{
			name: "simple error",
			err:  &txnlog.Error{Code: txnlog.EFaulted},
			want: txnlog.EFaulted,
		},
		{
			name: "embedded error",
			err:  &txnlog.Error{Code: txnlog.ECorruption, Err: &txnlog.Error{Code: txnlog.EInvalid}},
			want: txnlog.ECorruption,
		},
		{
			name: "code from embedded error",
			err:  txnlog.Wrap(txnlog.ErrNotPrimary, "", "replicator.ReplicateAndLog"),
			want: txnlog.ENotPrimary,
		},
		{
			name: "wrapped by fmt",
			err:  fmt.Errorf("replay: %w", txnlog.Corruptf("logrecord.Read", "short section")),
			want: txnlog.ECorruption,
		},
		{
			name: "canceled",
			err:  fmt.Errorf("flush: %w", context.Canceled),
			want: txnlog.ETransient,
		},
		{
			name: "default error",
			err:  errors.New("s"),
			want: txnlog.EInternal,
		},
	}
	for _, c := range cases {
		if result := txnlog.ErrorCode(c.err); c.want != result {
			t.Fatalf("%s failed, want %s, got %s", c.name, c.want, result)
		}
	}
}

func TestErrorOp(t *testing.T) {
	err := txnlog.Wrap(txnlog.InvalidStatef("replicator.write", "closed"), "", "")
	require.Equal(t, "replicator.write", txnlog.ErrorOp(err))
	require.Equal(t, "", txnlog.ErrorOp(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, txnlog.IsRetryable(context.Canceled))
	require.True(t, txnlog.IsRetryable(&txnlog.Error{Code: txnlog.ETransient}))
	require.False(t, txnlog.IsRetryable(txnlog.ErrNotPrimary))
	require.False(t, txnlog.IsRetryable(txnlog.ErrClosed))
}

func TestWrap(t *testing.T) {
	require.Nil(t, txnlog.Wrap(nil, txnlog.EFaulted, "x"))

	cause := errors.New("disk full")
	err := txnlog.Wrap(cause, txnlog.EFaulted, "replicator.flush")
	require.ErrorIs(t, err, cause)
	require.Equal(t, txnlog.EFaulted, txnlog.ErrorCode(err))

	err = txnlog.NewError(
		txnlog.WithErrorCode(txnlog.EInvalid),
		txnlog.WithErrorOp("replicator.Config.Validate"),
		txnlog.WithErrorMsg("copy-batch-size must be greater than 0"),
		txnlog.WithErrorErr(cause),
	)
	require.Equal(t, "replicator.Config.Validate: copy-batch-size must be greater than 0: disk full", err.Error())
}
