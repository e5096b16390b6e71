// Command modelkit is the CLI for the modelkit runtime.
//
// Usage:
//
//	modelkit chat "What is the capital of France?"
//	modelkit chat --provider claude --model claude-sonnet-4-20250514
//	modelkit embed "some text" --provider openai
//	modelkit serve --port 8080 --docs-folder ./docs
//	modelkit ingest ./docs --kind qdrant --url http://localhost:6334
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	modelkitroot "github.com/modelkit/modelkit"
	"github.com/modelkit/modelkit/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Chat with a model, one-shot or interactive."`
	Embed    EmbedCmd    `cmd:"" help:"Generate embeddings for text."`
	Serve    ServeCmd    `cmd:"" help:"Start an MCP server."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest documents into a vector memory."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(modelkitroot.GetVersion().String())
	return nil
}

// ValidateCmd checks a configuration file for problems.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Config file to validate (defaults to --config)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}
	if path == "" {
		return fmt.Errorf("no config file given")
	}
	settings, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s is valid (provider %s, timeout %ds)\n", path, settings.Provider, settings.Timeout)
	return nil
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("modelkit"),
		kong.Description("Provider-agnostic AI integration runtime."),
		kong.UsageOnError(),
	)

	initLogging(cli.LogLevel)

	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}
