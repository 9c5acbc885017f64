package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
)

// version 在构建时通过 -ldflags 注入。
var version = "dev"

// main 是 ForgeOS 守护进程的入口。
func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "forgeosd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the JSON configuration file",
		EnvVars: []string{"FORGEOS_CONFIG"},
		Value:   filepath.Join("configs", "forgeos.json"),
	}

	return &cli.App{
		Name:    "forgeosd",
		Usage:   "autonomous Kaspa trading agent runtime",
		Version: version,
		Flags:   []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the agent runtime and control API",
				Action: runCommand,
			},
			{
				Name:   "signals",
				Usage:  "tail the signal bus and print each signal as JSON",
				Action: signalsCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "workers", Value: 1, Usage: "number of consumers"},
				},
			},
			{
				Name:   "check-config",
				Usage:  "load and validate the configuration, then exit",
				Action: checkConfigCommand,
			},
			{
				Name:   "token",
				Usage:  "issue a bearer token for the control API",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Value: "operator", Usage: "token subject"},
					&cli.StringSliceFlag{Name: "perm", Usage: "granted permission, repeatable (default *)"},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime, 0 means no expiry"},
				},
			},
		},
		DefaultCommand: "run",
	}
}
