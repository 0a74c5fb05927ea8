package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"loxcore/internal/bytecode"
	"loxcore/internal/scriptcache"
	"loxcore/internal/value"
	"loxcore/internal/vm"
	"loxcore/internal/vmlog"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "execute a serialized bytecode Chunk",
	ArgsUsage: "<chunk-file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "cache",
			Usage: "scriptcache DSN (sqlite://, mysql://, postgres://) to read/refresh the compiled-chunk cache",
		},
	},
	Action: runAction,
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("run: missing <chunk-file>")
	}

	chunk, err := loadChunk(ctx, path, cmd.String("cache"))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	vmInst := vm.New(cfg)

	exit := execMain(vmInst, chunk, path)
	os.Exit(exit)
	return nil
}

// loadChunk reads and deserializes path, consulting the scriptcache DSN
// (if any) so a re-run of the same file hits the cache and the loaded
// script is durably recorded.
func loadChunk(ctx context.Context, path, cacheDSN string) (*value.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	if cacheDSN == "" {
		return bytecode.Deserialize(bytes.NewReader(data))
	}

	cache, err := scriptcache.Open(cacheDSN)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	hash := scriptcache.Hash(data)
	if chunk, ok, err := cache.Lookup(ctx, hash); err != nil {
		return nil, err
	} else if ok {
		return chunk, nil
	}

	chunk, err := bytecode.Deserialize(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := cache.Store(ctx, hash, path, chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// execMain wraps chunk as the program's entry-point closure (Arity 0, no
// upvalues, no enclosing class) and calls it on the main thread, which
// already holds the GVL after vm.New (thread.NewRegistry's contract).
// Returns the process exit code: 0 on a clean RETURN/LEAVE, non-zero on an
// unhandled exception.
func execMain(vmInst *vm.VM, chunk *value.Chunk, path string) int {
	vmInst.RecordLoadedScript(path)
	fn := &value.FunctionTemplate{Name: "main", Chunk: chunk, Kind: value.FnTop}
	fnObj := vmInst.Heap.AllocFunction(fn)
	closure := vmInst.Heap.AllocClosure(fnObj.Fn, nil, false)

	main := vmInst.Threads.Main()
	_, uw := vmInst.Call(main, value.FromObject(closure), value.Nil, nil, nil)
	if uw == nil {
		return 0
	}

	className, message := describeThrown(vmInst, uw.Value)
	header := vmlog.TraceHeader(time.Now(), className, message)
	fmt.Fprintln(os.Stderr, header)
	fmt.Fprintf(os.Stderr, "  from %s\n", path)
	return 1
}

func describeThrown(vmInst *vm.VM, v value.Value) (className, message string) {
	if !v.IsObject() || v.Obj == nil {
		return "Error", v.String()
	}
	className = "Error"
	if v.Obj.Class != nil {
		className = v.Obj.Class.Name
	}
	if m, ok := v.Obj.Fields["message"]; ok {
		message = m.String()
	}
	return className, message
}
