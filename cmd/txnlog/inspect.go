package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logger"
	"github.com/microsoft/service-fabric-sub010/logio"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newInspectCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Commands for inspecting log segments on disk",
	}
	cmd.AddCommand(
		newDumpCommand(opts),
		newVerifyCommand(opts),
	)
	return cmd
}

func newDumpCommand(opts *rootOptions) *cobra.Command {
	var fromLSN int64
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every record in the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openExisting(cmd, opts)
			if err != nil {
				return err
			}
			defer l.Close()

			out := cmd.OutOrStdout()
			_, err = scan(l, func(rec logrecord.Record) error {
				if rec.RecordHeader().LSN < txnlog.LSN(fromLSN) {
					return nil
				}
				_, err := fmt.Fprintln(out, logrecord.Describe(rec))
				return err
			})
			return err
		},
	}
	cmd.Flags().Int64Var(&fromLSN, "from-lsn", 0, "Skip records below this lsn.")
	return cmd
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check record checksums and sequence numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openExisting(cmd, opts)
			if err != nil {
				return err
			}
			defer l.Close()

			counts := make(map[logrecord.Type]int)
			res, err := scan(l, func(rec logrecord.Record) error {
				counts[rec.Type()]++
				return nil
			})
			if err != nil {
				return err
			}
			if res.torn {
				logger.FromContext(cmd.Context()).Warn("Log ends in a torn record", zap.Uint64("position", res.tornPosition))
			}
			return res.print(cmd.OutOrStdout(), counts)
		},
	}
}

// openExisting opens the log in the configured directory without creating
// one.
func openExisting(cmd *cobra.Command, opts *rootOptions) (*logio.FileLog, error) {
	if err := opts.requireDir(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(opts.config.Dir); err != nil {
		return nil, err
	}
	l := logio.NewFileLog(opts.config.Dir, int64(opts.config.SegmentSize))
	l.WithLogger(logger.FromContext(cmd.Context()))
	if err := l.Open(); err != nil {
		return nil, err
	}
	return l, nil
}

type scanResult struct {
	head, tail   uint64
	records      int
	first, last  *logrecord.Header
	tornPosition uint64
	torn         bool
}

// scan decodes every frame from the head of l and checks that physical
// sequence numbers increase and logical ones never go back. A torn frame at
// the tail is reported, not returned as an error.
func scan(l logio.Log, fn func(rec logrecord.Record) error) (scanResult, error) {
	res := scanResult{head: l.Head(), tail: l.Tail()}
	pos := l.Head()
	for {
		rec, n, err := logrecord.ReadFrameAt(l, pos)
		if err == io.EOF {
			return res, nil
		} else if errors.Is(err, io.ErrUnexpectedEOF) {
			res.torn, res.tornPosition = true, pos
			return res, nil
		} else if err != nil {
			return res, err
		}

		h := rec.RecordHeader()
		if last := res.last; last != nil {
			if h.PSN <= last.PSN {
				return res, fmt.Errorf("position %d: psn %d does not follow %d", pos, h.PSN, last.PSN)
			}
			if h.LSN < last.LSN {
				return res, fmt.Errorf("position %d: lsn %d precedes %d", pos, h.LSN, last.LSN)
			}
		}
		if res.first == nil {
			res.first = h
		}
		res.last = h
		res.records++
		if err := fn(rec); err != nil {
			return res, err
		}
		pos += uint64(n)
	}
}

func (r scanResult) print(w io.Writer, counts map[logrecord.Type]int) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "positions\t%d - %d (%s)\n", r.head, r.tail, humanize.IBytes(r.tail-r.head))
	fmt.Fprintf(tw, "records\t%d\n", r.records)
	if r.first != nil {
		fmt.Fprintf(tw, "lsn\t%d - %d\n", r.first.LSN, r.last.LSN)
		fmt.Fprintf(tw, "psn\t%d - %d\n", r.first.PSN, r.last.PSN)
	}
	types := make([]logrecord.Type, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		fmt.Fprintf(tw, "  %s\t%d\n", t, counts[t])
	}
	if r.torn {
		fmt.Fprintf(tw, "torn tail at\t%d\n", r.tornPosition)
	}
	return tw.Flush()
}
