package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"kmem/tools/mmsim/sim"
)

var errUsage = errors.New("usage")

// console executes REPL commands against a simulated system.
type console struct {
	sys    *sim.System
	out    io.Writer
	render RenderConfig
}

type command struct {
	args  string
	help  string
	run   func(c *console, args []string) error
	nargs int
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"alloc":   {"<size>", "allocate a heap block", (*console).alloc, 1},
		"calloc":  {"<count> <size>", "allocate a zeroed heap block", (*console).calloc, 2},
		"free":    {"<addr>", "free a heap block", (*console).free, 1},
		"realloc": {"<addr> <size>", "resize a heap block", (*console).realloc, 2},
		"pages":   {"<count>", "map pages from the dynamic region", (*console).pages, 1},
		"unpages": {"<addr> <count>", "release mapped pages", (*console).unpages, 2},
		"stats":   {"", "print allocator statistics", (*console).stats, 0},
		"memmap":  {"", "print the frame allocator memory map", (*console).memmap, 0},
		"check":   {"", "verify the heap invariants", (*console).check, 0},
		"render":  {"<file.png>", "write the occupancy image", (*console).renderPNG, 1},
		"help":    {"", "list commands", (*console).help, 0},
	}
}

// exec runs a single command line. It returns true when the user asked to
// leave the REPL.
func (c *console) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	name, args := fields[0], fields[1:]
	if name == "quit" || name == "exit" {
		return true, nil
	}

	cmd, ok := commands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q; type help for a list of commands", name)
	}
	if len(args) != cmd.nargs {
		return false, fmt.Errorf("%w: %s %s", errUsage, name, cmd.args)
	}

	return false, cmd.run(c, args)
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func (c *console) alloc(args []string) error {
	size, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}

	ptr, err := c.sys.Allocate(uintptr(size))
	if err != nil {
		return err
	}
	return c.printBlock(ptr, size)
}

func (c *console) calloc(args []string) error {
	count, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}
	size, err := parseUint(args[1], 64)
	if err != nil {
		return err
	}

	ptr, err := c.sys.Calloc(uintptr(count), uintptr(size))
	if err != nil {
		return err
	}
	return c.printBlock(ptr, count*size)
}

func (c *console) printBlock(ptr uintptr, requested uint64) error {
	usable, err := c.sys.UsableSize(ptr)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "0x%x (requested %d, usable %d, spans %d page(s))\n", ptr, requested, usable, bytesToPages(uint64(usable)))
	return nil
}

func (c *console) free(args []string) error {
	addr, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}
	return c.sys.Free(uintptr(addr))
}

func (c *console) realloc(args []string) error {
	addr, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}
	size, err := parseUint(args[1], 64)
	if err != nil {
		return err
	}

	ptr, err := c.sys.Realloc(uintptr(addr), uintptr(size))
	if err != nil {
		return err
	}
	if ptr == 0 {
		fmt.Fprintln(c.out, "freed")
		return nil
	}
	return c.printBlock(ptr, size)
}

func (c *console) pages(args []string) error {
	count, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}

	addr, err := c.sys.AllocPages(uint32(count))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "0x%x\n", addr)
	return nil
}

func (c *console) unpages(args []string) error {
	addr, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}
	count, err := parseUint(args[1], 32)
	if err != nil {
		return err
	}
	return c.sys.FreePages(uintptr(addr), uint32(count))
}

func (c *console) stats([]string) error {
	snap, err := c.sys.Stats()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "frames:  %d total, %d free, %d reserved\n", snap.TotalFrames, snap.FreeFrames, snap.ReservedFrames)
	fmt.Fprintf(c.out, "pages:   %d mapped, %d free\n", snap.MappedPages, snap.FreeDynamicPages)
	fmt.Fprintf(c.out, "heap:    %d segments, %d pages, %d bytes in use, %d bytes free\n",
		snap.Heap.Segments, snap.Heap.Pages, snap.Heap.InUseBytes, snap.Heap.FreeBytes)
	fmt.Fprintf(c.out, "ops:     %d allocs, %d frees, %d failed\n", snap.Heap.Allocs, snap.Heap.Frees, snap.Heap.FailedAllocs)
	fmt.Fprintf(c.out, "tlb:     %d flushes\n", snap.TLBFlushes)
	return nil
}

func (c *console) memmap([]string) error {
	return c.sys.PrintStats()
}

func (c *console) check([]string) error {
	if err := c.sys.Check(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "ok")
	return nil
}

func (c *console) renderPNG(args []string) error {
	if err := writeOccupancyPNG(c.sys, c.render, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %s\n", args[0])
	return nil
}

func (c *console) help([]string) error {
	names := []string{"alloc", "calloc", "free", "realloc", "pages", "unpages", "stats", "memmap", "check", "render", "help"}
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(c.out, "  %-8s %-16s %s\n", name, cmd.args, cmd.help)
	}
	fmt.Fprintf(c.out, "  %-8s %-16s %s\n", "quit", "", "leave the console")
	return nil
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands)+1)
	for name := range commands {
		items = append(items, readline.PcItem(name))
	}
	items = append(items, readline.PcItem("quit"))
	return readline.NewPrefixCompleter(items...)
}

// runREPL reads commands from an interactive readline session until the user
// quits or the input ends. Command errors are printed and do not end the
// session; a halted system does.
func runREPL(c *console, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mmsim> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to start console: %w", err)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		quit, err := c.exec(line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			if errors.Is(err, sim.ErrHalted) {
				return err
			}
		}
		if quit {
			return nil
		}
	}
}
