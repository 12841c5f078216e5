package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"golang.org/x/time/rate"

	"kmem/kernel/mm"
)

// WorkloadConfig describes a random allocation trace.
type WorkloadConfig struct {
	// Seed makes traces reproducible.
	Seed int64

	// Ops is the number of operations to issue.
	Ops int

	// MaxSize is the largest heap request in bytes.
	MaxSize uintptr

	// MaxPages is the largest AllocPages request.
	MaxPages uint32

	// Relative operation weights. Zero weights disable an operation.
	AllocWeight   int
	CallocWeight  int
	FreeWeight    int
	ReallocWeight int
	PagesWeight   int

	// CheckEvery runs the heap consistency check every n operations. Zero
	// only checks at the end of the trace.
	CheckEvery int

	// OpsPerSecond throttles the trace. Zero runs it unthrottled.
	OpsPerSecond float64
}

// DefaultWorkload returns a mixed heap and page workload.
func DefaultWorkload() WorkloadConfig {
	return WorkloadConfig{
		Seed:          1,
		Ops:           10000,
		MaxSize:       3 * mm.PageSize / 2,
		MaxPages:      4,
		AllocWeight:   40,
		CallocWeight:  5,
		FreeWeight:    35,
		ReallocWeight: 15,
		PagesWeight:   5,
		CheckEvery:    100,
	}
}

// Result summarizes a workload run.
type Result struct {
	Ops          int
	Allocs       int
	Frees        int
	Reallocs     int
	PageRuns     int
	OutOfMemory  int
	PeakLive     int
	PeakInUse    uintptr
	InitialState Snapshot
	FinalState   Snapshot
}

// Observer is invoked after every operation with the operation index.
type Observer func(step int, snap Snapshot)

// liveRange is a heap block or a page run tracked by the reference model.
type liveRange struct {
	addr  uintptr
	size  uintptr
	seed  byte
	pages uint32
}

// workload issues a trace against a System and checks every result against
// a reference model of the live ranges.
type workload struct {
	sys  *System
	cfg  WorkloadConfig
	rng  *rand.Rand
	live []liveRange // sorted by addr
	res  Result
}

var errModel = errors.New("reference model violation")

// RunWorkload executes the trace described by cfg. On completion every live
// range is released and the frame accounting is verified against the state
// before the trace. Running out of memory is counted, not treated as an
// error.
func RunWorkload(ctx context.Context, sys *System, cfg WorkloadConfig, observe Observer) (Result, error) {
	w := &workload{
		sys: sys,
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}

	var err error
	if w.res.InitialState, err = sys.Stats(); err != nil {
		return w.res, err
	}

	var limiter *rate.Limiter
	if cfg.OpsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), 1)
	}

	total := cfg.AllocWeight + cfg.CallocWeight + cfg.FreeWeight + cfg.ReallocWeight + cfg.PagesWeight
	switch {
	case total <= 0:
		return w.res, errors.New("workload: no operations enabled")
	case cfg.MaxSize == 0:
		return w.res, errors.New("workload: max size must be positive")
	case cfg.PagesWeight > 0 && cfg.MaxPages == 0:
		return w.res, errors.New("workload: max pages must be positive when page runs are enabled")
	}

	for step := 0; step < cfg.Ops; step++ {
		if limiter != nil {
			if err = limiter.Wait(ctx); err != nil {
				return w.res, fmt.Errorf("workload: step %d: %w", step, err)
			}
		} else if err = ctx.Err(); err != nil {
			return w.res, err
		}

		if err = w.step(w.rng.Intn(total)); err != nil {
			return w.res, fmt.Errorf("workload: step %d: %w", step, err)
		}
		w.res.Ops++

		if cfg.CheckEvery > 0 && step%cfg.CheckEvery == 0 {
			if err = sys.Check(); err != nil {
				return w.res, fmt.Errorf("workload: step %d: heap check: %w", step, err)
			}
		}

		if observe != nil {
			snap, err := sys.Stats()
			if err != nil {
				return w.res, err
			}
			observe(step, snap)
		}
	}

	if err = w.drain(); err != nil {
		return w.res, fmt.Errorf("workload: drain: %w", err)
	}

	return w.res, nil
}

func (w *workload) step(pick int) error {
	cfg := w.cfg

	if pick -= cfg.AllocWeight; pick < 0 {
		return w.allocate(false)
	}
	if pick -= cfg.CallocWeight; pick < 0 {
		return w.allocate(true)
	}
	if pick -= cfg.FreeWeight; pick < 0 {
		return w.free()
	}
	if pick -= cfg.ReallocWeight; pick < 0 {
		return w.realloc()
	}
	return w.allocPages()
}

func (w *workload) randomSize() uintptr {
	return uintptr(w.rng.Int63n(int64(w.cfg.MaxSize))) + 1
}

func (w *workload) allocate(zeroed bool) error {
	var (
		size = w.randomSize()
		ptr  uintptr
		err  error
	)

	if zeroed {
		ptr, err = w.sys.Calloc(1, size)
	} else {
		ptr, err = w.sys.Allocate(size)
	}
	if errors.Is(err, ErrOutOfMemory) {
		w.res.OutOfMemory++
		return nil
	}
	if err != nil {
		return err
	}

	if zeroed {
		for i, b := range w.sys.Bytes(ptr, size) {
			if b != 0 {
				return fmt.Errorf("%w: calloc block 0x%x byte %d is 0x%x", errModel, ptr, i, b)
			}
		}
	}

	w.res.Allocs++
	return w.track(liveRange{addr: ptr, size: size, seed: byte(w.rng.Intn(256))})
}

func (w *workload) free() error {
	index, ok := w.pickLive()
	if !ok {
		return w.allocate(false)
	}

	r := w.live[index]
	if err := w.verify(r); err != nil {
		return err
	}

	var err error
	if r.pages != 0 {
		err = w.sys.FreePages(r.addr, r.pages)
	} else {
		err = w.sys.Free(r.addr)
	}
	if err != nil {
		return err
	}

	w.untrack(index)
	w.res.Frees++
	return nil
}

func (w *workload) realloc() error {
	index, ok := w.pickHeapBlock()
	if !ok {
		return w.allocate(false)
	}

	r := w.live[index]
	if err := w.verify(r); err != nil {
		return err
	}

	size := w.randomSize()
	ptr, err := w.sys.Realloc(r.addr, size)
	if errors.Is(err, ErrOutOfMemory) {
		w.res.OutOfMemory++
		return w.verify(r)
	}
	if err != nil {
		return err
	}

	// The common prefix must survive the move.
	kept := r
	kept.addr = ptr
	if size < kept.size {
		kept.size = size
	}
	if err = w.verify(kept); err != nil {
		return err
	}

	w.untrack(index)
	w.res.Reallocs++
	return w.track(liveRange{addr: ptr, size: size, seed: byte(w.rng.Intn(256))})
}

func (w *workload) allocPages() error {
	count := uint32(w.rng.Intn(int(w.cfg.MaxPages))) + 1
	addr, err := w.sys.AllocPages(count)
	if errors.Is(err, ErrOutOfMemory) {
		w.res.OutOfMemory++
		return nil
	}
	if err != nil {
		return err
	}

	if addr&(mm.PageSize-1) != 0 {
		return fmt.Errorf("%w: page run 0x%x is not page aligned", errModel, addr)
	}
	for i, b := range w.sys.Bytes(addr, uintptr(count)*mm.PageSize) {
		if b != 0 {
			return fmt.Errorf("%w: page run 0x%x byte %d is not zeroed", errModel, addr, i)
		}
	}

	w.res.PageRuns++
	return w.track(liveRange{
		addr:  addr,
		size:  uintptr(count) * mm.PageSize,
		seed:  byte(w.rng.Intn(256)),
		pages: count,
	})
}

// track validates a new range against the model, fills it with its pattern
// and records it.
func (w *workload) track(r liveRange) error {
	if r.pages == 0 {
		if r.addr&15 != 0 {
			return fmt.Errorf("%w: block 0x%x is not 16-byte aligned", errModel, r.addr)
		}
		usable, err := w.sys.UsableSize(r.addr)
		if err != nil {
			return err
		}
		if usable < r.size {
			return fmt.Errorf("%w: block 0x%x has %d usable bytes; requested %d", errModel, r.addr, usable, r.size)
		}
	}

	data := w.sys.Bytes(r.addr, r.size)
	if data == nil {
		return fmt.Errorf("%w: range 0x%x+%d lies outside the dynamic region", errModel, r.addr, r.size)
	}

	index := sort.Search(len(w.live), func(i int) bool { return w.live[i].addr >= r.addr })
	if index > 0 {
		if prev := w.live[index-1]; prev.addr+prev.size > r.addr {
			return fmt.Errorf("%w: range 0x%x overlaps live range 0x%x", errModel, r.addr, prev.addr)
		}
	}
	if index < len(w.live) && r.addr+r.size > w.live[index].addr {
		return fmt.Errorf("%w: range 0x%x overlaps live range 0x%x", errModel, r.addr, w.live[index].addr)
	}

	for i := range data {
		data[i] = r.seed + byte(i)
	}

	w.live = append(w.live, liveRange{})
	copy(w.live[index+1:], w.live[index:])
	w.live[index] = r

	if len(w.live) > w.res.PeakLive {
		w.res.PeakLive = len(w.live)
	}
	if snap, err := w.sys.Stats(); err == nil && snap.Heap.InUseBytes > w.res.PeakInUse {
		w.res.PeakInUse = snap.Heap.InUseBytes
	}
	return nil
}

func (w *workload) untrack(index int) {
	w.live = append(w.live[:index], w.live[index+1:]...)
}

// verify checks that the pattern written into r is intact.
func (w *workload) verify(r liveRange) error {
	for i, b := range w.sys.Bytes(r.addr, r.size) {
		if b != r.seed+byte(i) {
			return fmt.Errorf("%w: range 0x%x byte %d was clobbered", errModel, r.addr, i)
		}
	}
	return nil
}

func (w *workload) pickLive() (int, bool) {
	if len(w.live) == 0 {
		return 0, false
	}
	return w.rng.Intn(len(w.live)), true
}

func (w *workload) pickHeapBlock() (int, bool) {
	index, ok := w.pickLive()
	if !ok {
		return 0, false
	}
	for i := 0; i < len(w.live); i++ {
		candidate := (index + i) % len(w.live)
		if w.live[candidate].pages == 0 {
			return candidate, true
		}
	}
	return 0, false
}

// drain releases every live range and checks that the allocators returned
// to their state before the trace.
func (w *workload) drain() error {
	for len(w.live) != 0 {
		last := len(w.live) - 1
		if err := w.verify(w.live[last]); err != nil {
			return err
		}

		var err error
		if r := w.live[last]; r.pages != 0 {
			err = w.sys.FreePages(r.addr, r.pages)
		} else {
			err = w.sys.Free(r.addr)
		}
		if err != nil {
			return err
		}
		w.untrack(last)
	}

	if err := w.sys.Check(); err != nil {
		return fmt.Errorf("heap check: %w", err)
	}

	final, err := w.sys.Stats()
	if err != nil {
		return err
	}
	w.res.FinalState = final

	initial := w.res.InitialState
	switch {
	case final.FreeFrames != initial.FreeFrames:
		return fmt.Errorf("%w: %d free frames after draining; expected %d", errModel, final.FreeFrames, initial.FreeFrames)
	case final.MappedPages != initial.MappedPages:
		return fmt.Errorf("%w: %d mapped pages after draining; expected %d", errModel, final.MappedPages, initial.MappedPages)
	case final.Heap.InUseBytes != 0:
		return fmt.Errorf("%w: %d heap bytes in use after draining", errModel, final.Heap.InUseBytes)
	}
	return nil
}
