package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"

	"loxcore/internal/thread"
	"loxcore/internal/value"
	"loxcore/internal/vm"
)

// debugCommand is an attach-able console for inspecting a running VM's GC
// stats, thread table, and global bindings — not a language REPL. It loads
// a chunk, runs it on a spawned thread, and lets the operator poll VM
// state from the main thread's readline loop while the script runs.
var debugCommand = &cli.Command{
	Name:      "debug",
	Usage:     "run a chunk on a background thread and inspect VM state interactively",
	ArgsUsage: "<chunk-file>",
	Action:    debugAction,
}

func debugAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("debug: missing <chunk-file>")
	}
	chunk, err := loadChunk(ctx, path, "")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	vmInst := vm.New(cfg)
	vmInst.RecordLoadedScript(path)

	fn := &value.FunctionTemplate{Name: "main", Chunk: chunk, Kind: value.FnTop}
	fnObj := vmInst.Heap.AllocFunction(fn)
	closure := vmInst.Heap.AllocClosure(fnObj.Fn, nil, false)

	done := make(chan struct{})
	vmInst.Threads.Spawn(func(t *thread.Thread) {
		defer close(done)
		vmInst.Call(t, value.FromObject(closure), value.Nil, nil, nil)
	})

	// The main thread holds the GVL from VM init; release it so the
	// spawned script thread can run, and re-take it only for the duration
	// of each console command that touches VM state.
	main := vmInst.Threads.Main()
	gvl := vmInst.Threads.GVL()
	gvl.Release(main)

	rl, err := readline.NewEx(&readline.Config{Prompt: "loxvm> "})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("loxvm debug console — commands: gc, gc-major, threads, globals, quit")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch strings.TrimSpace(line) {
		case "gc":
			withGVL(gvl, main, func() { vmInst.Collect(false) })
			printStats(vmInst)
		case "gc-major":
			withGVL(gvl, main, func() { vmInst.Collect(true) })
			printStats(vmInst)
		case "threads":
			printThreads(vmInst)
		case "globals":
			withGVL(gvl, main, func() { printGlobals(vmInst) })
		case "quit", "exit":
			return nil
		case "":
		default:
			fmt.Println("unknown command:", line)
		}

		select {
		case <-done:
			fmt.Println("(script finished)")
		default:
		}
	}
}

func withGVL(gvl *thread.GVL, t *thread.Thread, fn func()) {
	gvl.Acquire(t)
	defer gvl.Release(t)
	fn()
}

func printStats(vmInst *vm.VM) {
	s := vmInst.Heap.Stats()
	fmt.Printf("live=%d allocated=%s young=%d old=%d minor_cycles=%d major_cycles=%d\n",
		s.LiveObjects, s.AllocatedHuman, s.YoungCount, s.OldCount, s.MinorCycles, s.MajorCycles)
}

func printThreads(vmInst *vm.VM) {
	for _, t := range vmInst.Threads.All() {
		fmt.Printf("%s status=%d recursion_depth=%d\n", t.ID, t.GetStatus(), t.RecursionDepth)
	}
}

func printGlobals(vmInst *vm.VM) {
	for _, name := range vmInst.GlobalNames() {
		v, _ := vmInst.GetGlobal(name)
		fmt.Printf("%s = %s\n", name, v.String())
	}
}
