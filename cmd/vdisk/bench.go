package main

import (
	"bytes"
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/srilakshmi/vdisk/vdisk"
)

const (
	flagWorkers   = "workers"
	flagBlockSize = "block-size"
	flagDuration  = "duration"
	flagVerify    = "verify"
)

type benchResult struct {
	ops   atomic.Int64
	bytes atomic.Int64
}

func newBenchCommand(v *viper.Viper, logger *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a write/read load against a virtual disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDisk(cmd.Context(), v, logger, nil)
			if err != nil {
				return err
			}
			defer closeDisk(d, logger)

			bs, err := units.RAMInBytes(v.GetString(flagBlockSize))
			if err != nil {
				return errors.Wrap(err, "invalid block size")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(flagDuration))
			defer cancel()

			start := time.Now()
			res, err := runBench(ctx, d, v.GetInt(flagWorkers), int(bs), v.GetBool(flagVerify))
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			logger.WithFields(logrus.Fields{
				"ops":        res.ops.Load(),
				"bytes":      units.HumanSize(float64(res.bytes.Load())),
				"throughput": units.HumanSize(float64(res.bytes.Load())/elapsed.Seconds()) + "/s",
				"elapsed":    elapsed.Round(time.Millisecond).String(),
			}).Info("bench done")
			return nil
		},
	}
	addDiskFlags(cmd)
	cmd.Flags().Int(flagWorkers, 8, "concurrent workers")
	cmd.Flags().String(flagBlockSize, "64KiB", "I/O size")
	cmd.Flags().Duration(flagDuration, 10*time.Second, "run time")
	cmd.Flags().Bool(flagVerify, true, "read back and compare every write")
	return cmd
}

// runBench writes random blocks from each worker into its own region of the
// disk until ctx is done.
func runBench(ctx context.Context, d *vdisk.Device, workers, blockSize int, verify bool) (*benchResult, error) {
	if workers <= 0 || blockSize <= 0 {
		return nil, errors.Errorf("invalid load: %d workers of %d bytes", workers, blockSize)
	}
	size, err := d.Length()
	if err != nil {
		return nil, err
	}
	blocks := size / int64(blockSize) / int64(workers)
	if blocks == 0 {
		return nil, errors.Errorf("disk of %s too small for %d workers", units.BytesSize(float64(size)), workers)
	}

	res := &benchResult{}
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		base := int64(w) * blocks * int64(blockSize)
		rng := rand.New(rand.NewSource(int64(w)))
		g.Go(func() error {
			wbuf := make([]byte, blockSize)
			rbuf := make([]byte, blockSize)
			for gctx.Err() == nil {
				off := base + rng.Int63n(blocks)*int64(blockSize)
				rng.Read(wbuf)
				if err := d.WriteAt(gctx, [][]byte{wbuf}, off); err != nil {
					return stopped(gctx, err)
				}
				res.ops.Add(1)
				res.bytes.Add(int64(blockSize))
				if !verify {
					continue
				}
				if err := d.ReadAt(gctx, [][]byte{rbuf}, off); err != nil {
					return stopped(gctx, err)
				}
				res.ops.Add(1)
				res.bytes.Add(int64(blockSize))
				if !bytes.Equal(wbuf, rbuf) {
					return errors.Errorf("data mismatch at offset %d", off)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

// stopped hides the error of a request abandoned because the run ended.
func stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
