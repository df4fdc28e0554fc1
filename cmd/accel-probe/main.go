// Command accel-probe discovers accelerators through the configured backends,
// collects a few samples and prints them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/pflag"

	"github.com/skobkin/acceltop-web/internal/accel"
	"github.com/skobkin/acceltop-web/internal/app"
	"github.com/skobkin/acceltop-web/internal/config"
	"github.com/skobkin/acceltop-web/internal/procscan"
	"github.com/skobkin/acceltop-web/internal/sampler"
	"github.com/skobkin/acceltop-web/internal/version"
)

type options struct {
	backends   []string
	mask       string
	samples    int
	interval   time.Duration
	timeout    time.Duration
	jsonOutput bool
	output     string
	verbose    bool
}

type report struct {
	Version  version.Info            `json:"version"`
	Backends []sampler.BackendStatus `json:"backends"`
	Devices  []sampler.DeviceInfo    `json:"devices"`
	Samples  []sampler.Sample        `json:"samples"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	var opts options
	flagSet := pflag.NewFlagSet("accel-probe", pflag.ContinueOnError)
	flagSet.StringSliceVar(&opts.backends, "backends", cfg.Backends, "backends to probe (nvidia, tpu)")
	flagSet.StringVar(&opts.mask, "mask", "all", "device inclusion mask, decimal or 0x-prefixed")
	flagSet.IntVarP(&opts.samples, "samples", "n", 1, "samples to collect per device")
	flagSet.DurationVarP(&opts.interval, "interval", "i", cfg.SampleInterval, "time between samples")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up after this long")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "emit the report as JSON")
	flagSet.StringVarP(&opts.output, "output", "o", "", "write the JSON report to a file; a .zst suffix compresses it")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log backend activity to stderr")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(version.Current().String())
		return nil
	}
	if opts.samples <= 0 {
		return fmt.Errorf("--samples must be > 0")
	}
	if opts.interval <= 0 {
		return fmt.Errorf("--interval must be > 0")
	}

	mask, err := accel.ParseMask(opts.mask)
	if err != nil {
		return err
	}
	for _, name := range opts.backends {
		if name != config.BackendNVIDIA && name != config.BackendTPU {
			return fmt.Errorf("unknown backend %q", name)
		}
	}
	cfg.Backends = opts.backends
	cfg.DeviceMask = mask

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rep, err := probe(cfg, opts, logger)
	if err != nil {
		return err
	}

	if opts.output != "" {
		if err := writeReport(opts.output, rep); err != nil {
			return err
		}
	}
	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printReport(os.Stdout, rep)
	return nil
}

func probe(cfg config.Config, opts options, logger *slog.Logger) (report, error) {
	ctx, cancel := context.WithTimeoutCause(context.Background(), opts.timeout, errors.New("probe timed out"))
	defer cancel()

	registry, err := app.NewRegistry(cfg, logger, func(err error) {
		cancel()
		logger.Error("backend reported a fatal error", "err", err)
	})
	if err != nil {
		return report{}, err
	}

	var resolver sampler.ProcessResolver
	if cfg.Proc.Enable {
		procResolver, err := procscan.NewResolver(cfg.Proc, cfg.ProcRoot, logger)
		if err == nil {
			defer procResolver.Close()
			resolver = procResolver
		}
	}

	manager, err := sampler.NewManager(opts.interval, registry, cfg.DeviceMask, resolver, logger)
	if err != nil {
		return report{}, err
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- manager.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	for !manager.Discovered() {
		select {
		case <-ctx.Done():
			return report{}, context.Cause(ctx)
		case <-time.After(10 * time.Millisecond):
		}
	}

	rep := report{
		Version:  version.Current(),
		Backends: manager.Backends(),
	}

	for _, id := range manager.DeviceIDs() {
		ch, unsubscribe, err := manager.Subscribe(id)
		if err != nil {
			return report{}, err
		}
		samples, err := collect(ctx, ch, opts.samples)
		unsubscribe()
		if err != nil {
			return report{}, fmt.Errorf("device %s: %w", id, err)
		}
		rep.Samples = append(rep.Samples, samples...)
	}
	rep.Devices = manager.Devices()
	return rep, nil
}

func collect(ctx context.Context, ch <-chan sampler.Sample, n int) ([]sampler.Sample, error) {
	out := make([]sampler.Sample, 0, n)
	for len(out) < n {
		select {
		case sample, ok := <-ch:
			if !ok {
				return out, errors.New("subscription closed")
			}
			out = append(out, sample)
		case <-ctx.Done():
			return out, context.Cause(ctx)
		}
	}
	return out, nil
}

func writeReport(path string, rep report) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close report: %w", cerr)
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		defer func() {
			if cerr := zw.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("flush zstd stream: %w", cerr)
			}
		}()
		w = zw
	}

	if err := json.NewEncoder(w).Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

func printReport(w io.Writer, rep report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	for _, status := range rep.Backends {
		state := fmt.Sprintf("%d device(s)", status.Devices)
		if !status.Active {
			state = "unavailable: " + status.Error
		}
		fmt.Fprintf(tw, "backend %s\t%s\n", status.Name, state)
	}
	if len(rep.Devices) == 0 {
		fmt.Fprintln(tw, "No accelerators detected")
		return
	}

	fmt.Fprintln(tw, "\nDEVICE\tNAME\tPCI\tUTIL\tMEM\tTEMP\tPOWER\tPROCS")
	for _, sample := range rep.Samples {
		name, pci := "-", "-"
		for _, info := range rep.Devices {
			if info.ID != sample.DeviceID {
				continue
			}
			if info.Name != nil {
				name = *info.Name
			}
			if info.PCI != nil {
				pci = *info.PCI
			}
		}
		m := sample.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			sample.DeviceID, name, pci,
			formatPct(m.GPUUtilPct),
			formatMemory(m.MemUsedBytes, m.MemTotalBytes),
			formatUint(m.TempC, "C"),
			formatWatts(m.PowerW),
			len(sample.Processes),
		)
	}
}

func formatPct(v *uint32) string {
	return formatUint(v, "%")
}

func formatUint(v *uint32, unit string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d%s", *v, unit)
}

func formatWatts(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fW", *v)
}

func formatMemory(used, total *uint64) string {
	if used == nil || total == nil {
		return "-"
	}
	const gib = 1 << 30
	return fmt.Sprintf("%.1f/%.1fGiB", float64(*used)/gib, float64(*total)/gib)
}
