// Package main provides the surveyx binary: the survey pipeline service and
// a small client for its HTTP API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "surveyx"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	server     string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Survey generation pipeline",
		Long: `surveyx accepts survey generation tasks over HTTP, runs them through a
staged pipeline (query, search, crawl, digest, write, save) and tracks each
task until its result shows up in the shared output stream.

Run "surveyx serve" to start the service. The remaining commands talk to a
running service.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.server, "server", "http://localhost:8080", "Base URL of a running surveyx service")

	cmd.AddCommand(
		serveCmd(g),
		submitCmd(g),
		statusCmd(g),
		tasksCmd(g),
		deleteCmd(g),
		outputCmd(g),
		pipelineCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
