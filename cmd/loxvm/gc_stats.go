package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"loxcore/internal/value"
	"loxcore/internal/vm"
)

var gcStatsCommand = &cli.Command{
	Name:      "gc-stats",
	Usage:     "run a chunk to completion and report heap occupancy",
	ArgsUsage: "<chunk-file>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "major",
			Usage: "force a major collection before reporting",
		},
	},
	Action: gcStatsAction,
}

func gcStatsAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("gc-stats: missing <chunk-file>")
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
	vmInst.Call(vmInst.Threads.Main(), value.FromObject(closure), value.Nil, nil, nil)

	vmInst.Collect(cmd.Bool("major"))
	stats := vmInst.Heap.Stats()
	fmt.Printf("live objects:   %d\n", stats.LiveObjects)
	fmt.Printf("allocated:      %s\n", stats.AllocatedHuman)
	fmt.Printf("young gen:      %d\n", stats.YoungCount)
	fmt.Printf("old gen:        %d\n", stats.OldCount)
	fmt.Printf("minor cycles:   %d\n", stats.MinorCycles)
	fmt.Printf("major cycles:   %d\n", stats.MajorCycles)
	return nil
}
