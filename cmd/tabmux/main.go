package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/tabmux/internal/config"
	. "github.com/roelfdiedericks/tabmux/internal/logging"
)

const version = "0.1.0"

type cli struct {
	Config   string `help:"Path to config file (default: ./tabmux.toml, then ~/.tabmux/tabmux.toml)." type:"path"`
	LogLevel string `help:"Override log level (trace|debug|info|warn|error)."`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the MCP server and session multiplexer (default)."`
	Status  statusCmd  `cmd:"" help:"Fetch and print the leader's status report."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

func main() {
	var c cli
	parsed := kong.Parse(&c,
		kong.Name("tabmux"),
		kong.Description("Session multiplexer MCP server for a shared browser extension endpoint."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(c.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tabmux:", err)
		os.Exit(1)
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}

	// Logs go to stderr; stdout belongs to the MCP stdio transport.
	Init(&Config{
		Level:      ParseLevel(cfg.Logging.Level),
		TimeFormat: "15:04:05",
		ShowCaller: cfg.Logging.ShowCaller,
	})

	if err := parsed.Run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "tabmux:", err)
		os.Exit(1)
	}
}

type versionCmd struct{}

func (versionCmd) Run(cfg *config.Config) error {
	fmt.Printf("tabmux %s\n", version)
	return nil
}
