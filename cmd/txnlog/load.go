package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logger"
	"github.com/microsoft/service-fabric-sub010/logio"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/replicator"
	"github.com/microsoft/service-fabric-sub010/txn"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type loadOptions struct {
	transactions int
	operations   int
	size         int
	concurrency  int
	checkpoint   bool
}

func newLoadCommand(opts *rootOptions) *cobra.Command {
	var lo loadOptions
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Open the log as a primary and commit a synthetic workload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireDir(); err != nil {
				return err
			}
			return runLoad(cmd, opts.config, lo)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&lo.transactions, "transactions", 1000, "Number of transactions to commit.")
	flags.IntVar(&lo.operations, "operations", 4, "Operations per transaction.")
	flags.IntVar(&lo.size, "size", 256, "Redo payload size in bytes.")
	flags.IntVar(&lo.concurrency, "concurrency", 8, "Number of concurrent writers.")
	flags.BoolVar(&lo.checkpoint, "checkpoint", false, "Checkpoint after the workload.")
	return cmd
}

func runLoad(cmd *cobra.Command, c replicator.Config, lo loadOptions) error {
	ctx := cmd.Context()
	log := logger.FromContext(ctx)

	l := logio.NewFileLog(c.Dir, int64(c.SegmentSize))
	l.WithLogger(log)
	if err := l.Open(); err != nil {
		return err
	}
	defer l.Close()

	m := replicator.NewLogManager(c, l)
	m.WithLogger(log)
	m.WithTracer(logger.NewTracer(log))
	if err := m.Open(ctx); err != nil {
		return err
	}
	defer m.Close()
	if err := m.ChangeRole(ctx, txnlog.RolePrimary); err != nil {
		return err
	}

	tm := replicator.NewTransactionManager(m)
	var next, committed atomic.Int64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < lo.concurrency; w++ {
		g.Go(func() error {
			for next.Add(1) <= int64(lo.transactions) {
				err := tm.Run(ctx, func(ctx context.Context, tx *txn.Transaction) error {
					for i := 0; i < lo.operations; i++ {
						redo := make([]byte, lo.size)
						if _, err := rand.Read(redo); err != nil {
							return err
						}
						key := []byte(fmt.Sprintf("tx-%d-%d", tx.ID(), i))
						if err := tx.AddOperation(ctx, logrecord.OperationData{key}, nil, logrecord.OperationData{redo}, nil, 1); err != nil {
							return err
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
				committed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if lo.checkpoint {
		if err := m.Checkpoint(cmd.Context()); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	log.Info("Workload finished",
		zap.Int64("transactions", committed.Load()),
		zap.Duration("elapsed", elapsed),
		zap.Int64("tail_lsn", int64(m.Tail())))
	payload := uint64(committed.Load()) * uint64(lo.operations) * uint64(lo.size)
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "committed %d transactions (%s of redo) in %s, tail lsn %d, head lsn %d\n",
		committed.Load(), humanize.IBytes(payload), elapsed, m.Tail(), m.Head().LSN)
	return err
}
