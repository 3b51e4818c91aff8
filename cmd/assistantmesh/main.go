package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	version = "0.1.0"
)

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "assistantmesh",
		Usage:   "Run orchestration gateway for remote assistants",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"ASSISTANTMESH_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			ServeCommand(),
			ChatCommand(),
			StreamCommand(),
			ConfigCommand(),
		},
	}
}
