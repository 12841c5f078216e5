package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"kmem/kernel/mm"
	"kmem/kernel/mm/heap"
	"kmem/tools/mmsim/sim"
)

// Config is the mmsim configuration file layout.
type Config struct {
	Memory   MemoryConfig   `yaml:"memory"`
	Heap     HeapConfig     `yaml:"heap"`
	Workload WorkloadConfig `yaml:"workload"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Render   RenderConfig   `yaml:"render"`
}

// MemoryConfig describes the simulated machine.
type MemoryConfig struct {
	// Frames is the number of free frames after boot.
	Frames uint32 `yaml:"frames"`
	// KernelFrames is the number of frames reserved for the kernel image.
	KernelFrames uint32 `yaml:"kernel_frames"`
	// RegionPages is the size of the dynamic region in pages.
	RegionPages uint32 `yaml:"region_pages"`
}

// HeapConfig holds the heap tunables. Zero values select the kernel defaults.
type HeapConfig struct {
	GrowPages      uint32 `yaml:"grow_pages"`
	LargeThreshold uint64 `yaml:"large_threshold"`
}

// WorkloadConfig describes the random trace executed by the run command.
type WorkloadConfig struct {
	Seed         int64           `yaml:"seed"`
	Ops          int             `yaml:"ops"`
	MaxSize      uint64          `yaml:"max_size"`
	MaxPages     uint32          `yaml:"max_pages"`
	Weights      WorkloadWeights `yaml:"weights"`
	CheckEvery   int             `yaml:"check_every"`
	OpsPerSecond float64         `yaml:"ops_per_second"`
}

// WorkloadWeights are the relative operation frequencies.
type WorkloadWeights struct {
	Alloc   int `yaml:"alloc"`
	Calloc  int `yaml:"calloc"`
	Free    int `yaml:"free"`
	Realloc int `yaml:"realloc"`
	Pages   int `yaml:"pages"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
}

// MetricsConfig configures the Prometheus exporters.
type MetricsConfig struct {
	// Textfile is written with the final metric values when set.
	Textfile string `yaml:"textfile"`
	// Listen exposes /metrics on the given address while a run is active.
	Listen string `yaml:"listen"`
}

// RenderConfig configures the occupancy image.
type RenderConfig struct {
	// Output is the PNG file to write. Rendering is disabled when empty.
	Output string `yaml:"output"`
	// AtStep selects the workload step to capture. A negative value
	// captures the midpoint of the trace.
	AtStep int `yaml:"at_step"`
	// Width is the image width in pixels.
	Width int `yaml:"width"`
	// CellSize is the edge length of a frame cell in pixels.
	CellSize int `yaml:"cell_size"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	w := sim.DefaultWorkload()
	return Config{
		Memory: MemoryConfig{
			Frames:       256,
			KernelFrames: 16,
			RegionPages:  512,
		},
		Workload: WorkloadConfig{
			Seed:       w.Seed,
			Ops:        w.Ops,
			MaxSize:    uint64(w.MaxSize),
			MaxPages:   w.MaxPages,
			CheckEvery: w.CheckEvery,
			Weights: WorkloadWeights{
				Alloc:   w.AllocWeight,
				Calloc:  w.CallocWeight,
				Free:    w.FreeWeight,
				Realloc: w.ReallocWeight,
				Pages:   w.PagesWeight,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Render: RenderConfig{
			AtStep:   -1,
			Width:    800,
			CellSize: 8,
		},
	}
}

// LoadConfig reads a YAML configuration file. Settings missing from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the simulator cannot run.
func (c Config) Validate() error {
	var errs []error

	if c.Memory.Frames == 0 {
		errs = append(errs, errors.New("memory.frames must be positive"))
	}
	if c.Memory.RegionPages == 0 {
		errs = append(errs, errors.New("memory.region_pages must be positive"))
	}
	if c.Workload.Ops < 0 {
		errs = append(errs, errors.New("workload.ops must not be negative"))
	}
	if c.Workload.MaxSize == 0 {
		errs = append(errs, errors.New("workload.max_size must be positive"))
	}
	if c.Workload.Weights.Pages > 0 && c.Workload.MaxPages == 0 {
		errs = append(errs, errors.New("workload.max_pages must be positive when page runs are enabled"))
	}
	if c.Workload.OpsPerSecond < 0 {
		errs = append(errs, errors.New("workload.ops_per_second must not be negative"))
	}
	if c.Render.Output != "" && (c.Render.Width <= 0 || c.Render.CellSize <= 0) {
		errs = append(errs, errors.New("render.width and render.cell_size must be positive"))
	}

	if len(errs) != 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// System returns the simulated machine description.
func (c Config) System(output func(string)) sim.Config {
	return sim.Config{
		Frames:       c.Memory.Frames,
		KernelFrames: c.Memory.KernelFrames,
		RegionPages:  c.Memory.RegionPages,
		Heap: heap.Config{
			GrowPages:      c.Heap.GrowPages,
			LargeThreshold: uintptr(c.Heap.LargeThreshold),
		},
		Output: output,
	}
}

// Trace returns the workload description.
func (c Config) Trace() sim.WorkloadConfig {
	w := c.Workload
	return sim.WorkloadConfig{
		Seed:          w.Seed,
		Ops:           w.Ops,
		MaxSize:       uintptr(w.MaxSize),
		MaxPages:      w.MaxPages,
		AllocWeight:   w.Weights.Alloc,
		CallocWeight:  w.Weights.Calloc,
		FreeWeight:    w.Weights.Free,
		ReallocWeight: w.Weights.Realloc,
		PagesWeight:   w.Weights.Pages,
		CheckEvery:    w.CheckEvery,
		OpsPerSecond:  w.OpsPerSecond,
	}
}

// renderStep returns the workload step at which the occupancy image is
// captured.
func (c Config) renderStep() int {
	if c.Render.AtStep >= 0 {
		return c.Render.AtStep
	}
	return c.Workload.Ops / 2
}

// bytesToPages is used when reporting sizes in the REPL.
func bytesToPages(size uint64) uint32 {
	return mm.Size(size).Pages()
}
