// main.go: gocompute command line entry point
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("gocompute: %s", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "gocompute"
	app.Usage = "local function host for Go plugins"
	app.Description = "gocompute loads compiled Go plugins as named functions and dispatches requests to them"
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "run the host with its HTTP and gRPC gateways",
			Action: serve,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration file (yaml, toml or json)", EnvVars: []string{"GOCOMPUTE_CONFIG"}},
				&cli.StringFlag{Name: "http", Usage: "override the HTTP gateway address"},
				&cli.StringFlag{Name: "grpc", Usage: "override the gRPC gateway address"},
			},
		},
		{
			Name:      "build",
			Usage:     "compile function sources into plugin artifacts",
			ArgsUsage: "<source dir>...",
			Action:    build,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "out", Usage: "output directory"},
				&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "print the go command"},
			},
		},
		{
			Name:      "inspect",
			Usage:     "print build information of an artifact and whether this host can load it",
			ArgsUsage: "<artifact>...",
			Action:    inspect,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "dump every field"},
			},
		},
		{
			Name:   "schema",
			Usage:  "print the JSON schema of the configuration file",
			Action: schema,
		},
	}
	return app
}
