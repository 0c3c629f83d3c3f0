package replicator

import (
	"time"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/copystream"
	"github.com/microsoft/service-fabric-sub010/logger"
	"github.com/microsoft/service-fabric-sub010/toml"
	"github.com/microsoft/service-fabric-sub010/truncation"
	"github.com/microsoft/service-fabric-sub010/txn"
)

const (
	// DefaultCheckpointThreshold is the amount of log written since the last
	// checkpoint that triggers a new one.
	DefaultCheckpointThreshold = 50 * 1024 * 1024

	// DefaultTruncationThresholdFactor multiplies the minimum log size to
	// give the log size that triggers head truncation.
	DefaultTruncationThresholdFactor = 2

	// DefaultThrottlingThresholdFactor multiplies the larger of the
	// checkpoint threshold and the minimum log size to give the log size at
	// which new operations are throttled.
	DefaultThrottlingThresholdFactor = 4

	// DefaultMaxRecordSize is the largest operation payload accepted.
	DefaultMaxRecordSize = 1024 * 1024

	// DefaultProgressVectorMaxEntries bounds the progress vector captured by
	// checkpoints.
	DefaultProgressVectorMaxEntries = 64

	// DefaultAppendQueueDepth is the number of appends that can wait for the
	// log writer.
	DefaultAppendQueueDepth = 1024

	// DefaultRetryBackoff is the first wait before retrying a transient failure.
	DefaultRetryBackoff = 16 * time.Millisecond

	// DefaultMaxRetryBackoff is the maximum wait between retries.
	DefaultMaxRetryBackoff = 4 * time.Second

	// minLogDivider derives the minimum log size from the checkpoint
	// threshold when none is configured.
	minLogDivider = 2

	smallestMinLogSize = 1024 * 1024
)

// Config is the configuration of a LogManager.
type Config struct {
	Dir                       string        `toml:"dir"`
	SegmentSize               toml.Size     `toml:"segment-size"`
	CheckpointThreshold       toml.Size     `toml:"checkpoint-threshold"`
	MinLogSize                toml.Size     `toml:"min-log-size"`
	TruncationThresholdFactor uint64        `toml:"truncation-threshold-factor"`
	ThrottlingThresholdFactor uint64        `toml:"throttling-threshold-factor"`
	IndexInterval             toml.Size     `toml:"index-interval"`
	LogTruncationInterval     toml.Duration `toml:"log-truncation-interval"`
	MaxRecordSize             toml.Size     `toml:"max-record-size"`
	ProgressVectorMaxEntries  int           `toml:"progress-vector-max-entries"`
	AppendQueueDepth          int           `toml:"append-queue-depth"`
	CopyBatchSize             int           `toml:"copy-batch-size"`
	RetryBackoff              toml.Duration `toml:"retry-backoff"`
	MaxRetryBackoff           toml.Duration `toml:"max-retry-backoff"`

	Logging logger.Config `toml:"logging"`
}

// NewConfig returns a Config with the default values. A zero MinLogSize and
// IndexInterval are derived from the checkpoint threshold.
func NewConfig() Config {
	return Config{
		CheckpointThreshold:       DefaultCheckpointThreshold,
		TruncationThresholdFactor: DefaultTruncationThresholdFactor,
		ThrottlingThresholdFactor: DefaultThrottlingThresholdFactor,
		MaxRecordSize:             DefaultMaxRecordSize,
		ProgressVectorMaxEntries:  DefaultProgressVectorMaxEntries,
		AppendQueueDepth:          DefaultAppendQueueDepth,
		CopyBatchSize:             copystream.DefaultMetadataBatchSize,
		RetryBackoff:              toml.Duration(DefaultRetryBackoff),
		MaxRetryBackoff:           toml.Duration(DefaultMaxRetryBackoff),
		Logging:                   logger.NewConfig(),
	}
}

func (c Config) minLogSize() uint64 {
	if c.MinLogSize != 0 {
		return uint64(c.MinLogSize)
	}
	size := uint64(c.CheckpointThreshold) / minLogDivider
	if size < smallestMinLogSize {
		return smallestMinLogSize
	}
	return size
}

// Thresholds returns the byte limits the truncation manager decides against.
func (c Config) Thresholds() truncation.Thresholds {
	minLog := c.minLogSize()
	throttle := uint64(c.CheckpointThreshold) * c.ThrottlingThresholdFactor
	if t := minLog * c.ThrottlingThresholdFactor; t > throttle {
		throttle = t
	}
	index := uint64(c.IndexInterval)
	if index == 0 {
		index = minLog / 2
	}
	return truncation.Thresholds{
		Checkpoint:       uint64(c.CheckpointThreshold),
		MinLogSize:       minLog,
		Truncation:       minLog * c.TruncationThresholdFactor,
		Throttle:         throttle,
		Index:            index,
		TransactionAbort: uint64(c.CheckpointThreshold),
		PeriodicInterval: time.Duration(c.LogTruncationInterval),
	}
}

// RetryPolicy returns the backoff used for transient failures.
func (c Config) RetryPolicy() txn.RetryPolicy {
	return txn.RetryPolicy{
		Initial: time.Duration(c.RetryBackoff),
		Max:     time.Duration(c.MaxRetryBackoff),
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	const op = "replicator.Config.Validate"
	invalid := func(msg string) error {
		return &txnlog.Error{Code: txnlog.EInvalid, Op: op, Msg: msg}
	}
	switch {
	case c.CheckpointThreshold == 0:
		return invalid("checkpoint-threshold must be greater than 0")
	case c.TruncationThresholdFactor <= 1:
		return invalid("truncation-threshold-factor must be greater than 1")
	case c.ThrottlingThresholdFactor <= 1:
		return invalid("throttling-threshold-factor must be greater than 1")
	case c.MaxRecordSize == 0:
		return invalid("max-record-size must be greater than 0")
	case c.AppendQueueDepth <= 0:
		return invalid("append-queue-depth must be greater than 0")
	case c.CopyBatchSize <= 0:
		return invalid("copy-batch-size must be greater than 0")
	case c.ProgressVectorMaxEntries < 0:
		return invalid("progress-vector-max-entries must not be negative")
	case c.LogTruncationInterval < 0:
		return invalid("log-truncation-interval must not be negative")
	case c.MaxRetryBackoff < c.RetryBackoff:
		return invalid("max-retry-backoff must not be below retry-backoff")
	}
	return c.Thresholds().Validate()
}
