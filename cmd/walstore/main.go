package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "walstore",
		Usage: "transactional record store with a write-ahead log",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Usage:   "log level of one-shot commands",
				EnvVars: []string{"WALSTORE_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "log as JSON",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			putCommand(),
			getCommand(),
			deleteCommand(),
			compactCommand(),
			statsCommand(),
			walDumpCommand(),
			benchCommand(),
		},
	}
}
