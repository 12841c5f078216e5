package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kmem/tools/mmsim/sim"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mmsim] error: %s\n", err.Error())
	os.Exit(1)
}

func usage() {
	fmt.Fprint(os.Stderr, "mmsim: run the kernel memory core in user mode\n\n")
	fmt.Fprint(os.Stderr, "Usage: mmsim run [options]    execute a random workload\n")
	fmt.Fprint(os.Stderr, "       mmsim repl [options]   interactive console\n\n")
	fmt.Fprint(os.Stderr, "Use mmsim <command> -h for the command options\n")
}

// session bundles the state shared by the sub-commands.
type session struct {
	cfg    Config
	runID  string
	logger *zap.Logger
	sys    *sim.System
}

func openSession(cfg Config) (*session, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, runID: uuid.New().String()}
	s.logger = logger.With(zap.String("run_id", s.runID))

	if s.sys, err = sim.NewSystem(cfg.System(kernelOutput(s.logger))); err != nil {
		_ = s.logger.Sync()
		return nil, err
	}

	s.logger.Info("system ready",
		zap.Uint32("frames", cfg.Memory.Frames),
		zap.Uint32("kernel_frames", cfg.Memory.KernelFrames),
		zap.Uint32("region_pages", cfg.Memory.RegionPages),
	)
	return s, nil
}

func (s *session) close() {
	s.sys.Close()
	_ = s.logger.Sync()
}

func runCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configFile := fs.String("config", "", "the YAML configuration file")
	seed := fs.Int64("seed", 0, "override the workload seed")
	ops := fs.Int("ops", -1, "override the number of workload operations")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		return err
	}
	if *seed != 0 {
		cfg.Workload.Seed = *seed
	}
	if *ops >= 0 {
		cfg.Workload.Ops = *ops
	}

	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer s.close()

	return s.run(ctx)
}

// run executes the configured workload and exports its results.
func (s *session) run(ctx context.Context) error {
	m := newMetrics(s.runID)

	if addr := s.cfg.Metrics.Listen; addr != "" {
		srv := &http.Server{Addr: addr, Handler: m.handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		s.logger.Info("serving metrics", zap.String("addr", addr))
	}

	renderStep := s.cfg.renderStep()
	observe := func(step int, snap sim.Snapshot) {
		m.observe(snap)
		if step == renderStep && s.cfg.Render.Output != "" {
			if err := writeOccupancyPNG(s.sys, s.cfg.Render, s.cfg.Render.Output); err != nil {
				s.logger.Warn("failed to render occupancy", zap.Error(err))
				return
			}
			s.logger.Info("rendered occupancy", zap.Int("step", step), zap.String("file", s.cfg.Render.Output))
		}
	}

	start := time.Now()
	res, err := sim.RunWorkload(ctx, s.sys, s.cfg.Trace(), observe)
	m.recordResult(res)

	if snap, serr := s.sys.Stats(); serr == nil {
		m.observe(snap)
	}
	if path := s.cfg.Metrics.Textfile; path != "" {
		if werr := m.writeTextfile(path); werr != nil {
			s.logger.Error("failed to write metrics", zap.String("file", path), zap.Error(werr))
		}
	}

	if err != nil {
		s.logger.Error("workload failed", zap.Int("ops", res.Ops), zap.Error(err))
		return err
	}

	s.logger.Info("workload complete",
		zap.Int("ops", res.Ops),
		zap.Int("allocs", res.Allocs),
		zap.Int("frees", res.Frees),
		zap.Int("reallocs", res.Reallocs),
		zap.Int("page_runs", res.PageRuns),
		zap.Int("out_of_memory", res.OutOfMemory),
		zap.Int("peak_live", res.PeakLive),
		zap.Uint64("peak_heap_bytes", uint64(res.PeakInUse)),
		zap.Uint32("free_frames", res.FinalState.FreeFrames),
		zap.Uint64("tlb_flushes", res.FinalState.TLBFlushes),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func replCommand(args []string) error {
	fs := flag.NewFlagSet("repl", flag.ContinueOnError)
	configFile := fs.String("config", "", "the YAML configuration file")
	history := fs.String("history", "", "a file for persisting the command history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		return err
	}

	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer s.close()

	return runREPL(&console{sys: s.sys, render: cfg.Render}, *history)
}

func runTool(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "run":
		return runCommand(ctx, args[1:])
	case "repl":
		return replCommand(args[1:])
	case "-h", "-help", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func main() {
	if err := runTool(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		exit(err)
	}
}
