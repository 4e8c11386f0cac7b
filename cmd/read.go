package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hepio/xrdfed/internal/adaptor"
	"github.com/hepio/xrdfed/internal/hostcache"
	"github.com/hepio/xrdfed/internal/logger"
	"github.com/hepio/xrdfed/internal/xrdcl"
	_ "github.com/hepio/xrdfed/internal/xrdcl/localfs"
)

var (
	readOut     string
	readVector  bool
	readTimeout time.Duration
)

var readCmd = &cobra.Command{
	Use:   "read <url> <offset:length> [offset:length ...]",
	Short: "Read byte ranges from a federated file",
	Long: `Opens the file through the federation redirector and reads the given
byte ranges. With --vector all ranges go out as a single scatter request
split across the active sources; otherwise each range is read separately.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRead,
}

func init() {
	readCmd.Flags().StringVar(&readOut, "out", "", "write the bytes to a file instead of discarding them")
	readCmd.Flags().BoolVar(&readVector, "vector", false, "issue all ranges as one scatter request")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Minute, "overall deadline for the reads")
	rootCmd.AddCommand(readCmd)
}

type byteRange struct {
	offset int64
	length int64
}

func parseRange(s string) (byteRange, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return byteRange{}, fmt.Errorf("range %q is not of the form offset:length", s)
	}
	offset, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || offset < 0 {
		return byteRange{}, fmt.Errorf("bad offset in range %q", s)
	}
	length, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || length <= 0 {
		return byteRange{}, fmt.Errorf("bad length in range %q", s)
	}
	return byteRange{offset: offset, length: length}, nil
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := args[0]
	ranges := make([]byteRange, 0, len(args)-1)
	for _, arg := range args[1:] {
		r, err := parseRange(arg)
		if err != nil {
			return err
		}
		ranges = append(ranges, r)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
	defer cancel()

	opts := []adaptor.Option{}
	if cfg.JobID != "" {
		opts = append(opts, adaptor.WithJobID(cfg.JobID))
	}
	if cfg.StreamErrorWindow > 0 {
		opts = append(opts, adaptor.WithTimeout(time.Duration(cfg.StreamErrorWindow)*time.Second))
	}
	if cfg.AggressiveProbing {
		opts = append(opts, adaptor.WithTimers(adaptor.AggressiveTimers()))
	}
	var cache hostcache.Store
	if cfg.HostCachePath != "" {
		cache = hostcache.NewBoltStore(&hostcache.BoltOptions{Path: cfg.HostCachePath})
		if err := cache.Open(); err != nil {
			logger.Warn("host cache unavailable", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
			opts = append(opts, adaptor.WithHostCache(cache))
		}
	}

	mgr, err := adaptor.New(ctx, url, xrdcl.OpenFlagsRead, xrdcl.AccessNone, opts...)
	if err != nil {
		return err
	}
	defer mgr.Close(context.Background())

	buffers := make([][]byte, len(ranges))
	for i, r := range ranges {
		buffers[i] = make([]byte, r.length)
	}

	start := time.Now()
	var total int64
	if readVector {
		iolist := make([]adaptor.IOPosBuffer, len(ranges))
		for i, r := range ranges {
			iolist[i] = adaptor.IOPosBuffer{Offset: r.offset, Data: buffers[i]}
		}
		total, err = mgr.HandleList(ctx, iolist).Wait(ctx)
		if err != nil {
			return err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		results := make([]int64, len(ranges))
		for i, r := range ranges {
			i, r := i, r
			g.Go(func() error {
				n, err := mgr.Handle(gctx, r.offset, buffers[i]).Wait(gctx)
				if err != nil {
					return err
				}
				results[i] = n
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, n := range results {
			total += n
		}
	}
	elapsed := time.Since(start)

	if readOut != "" {
		f, err := os.Create(readOut)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		for _, buf := range buffers {
			if _, err := f.Write(buf); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
		}
	}

	green := color.New(color.FgGreen).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %d bytes in %d ranges in %s\n", green("read"), total, len(ranges), elapsed.Round(time.Millisecond))
	fmt.Printf("%s %s\n", bold("active sources:"), strings.Join(mgr.ActiveSourceNames(), ", "))
	if disabled := mgr.DisabledSourceNames(); len(disabled) > 0 {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("%s %s\n", red("disabled sources:"), strings.Join(disabled, ", "))
	}
	return nil
}
