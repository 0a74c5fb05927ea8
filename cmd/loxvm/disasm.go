package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"loxcore/internal/bytecode"
)

var disasmCommand = &cli.Command{
	Name:      "disasm",
	Usage:     "disassemble a serialized bytecode Chunk",
	ArgsUsage: "<chunk-file>",
	Action:    disasmAction,
}

func disasmAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("disasm: missing <chunk-file>")
	}
	chunk, err := loadChunk(ctx, path, "")
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, bytecode.Disassemble(chunk, path))
	return nil
}
