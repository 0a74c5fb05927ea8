// Command loxvm is the minimal entry point that exercises the module end
// to end. It never parses source text — producing serialized Chunks is
// the compiler's job — so every subcommand operates on already-serialized
// bytecode files.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"loxcore/internal/config"
)

func main() {
	app := &cli.Command{
		Name:  "loxvm",
		Usage: "bytecode VM for a Lox-like language, run standalone",
		Commands: []*cli.Command{
			runCommand,
			disasmCommand,
			debugCommand,
			gcStatsCommand,
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to loxcore.yaml; missing file uses defaults",
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "loxvm:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	return config.Load(cmd.String("config"))
}
