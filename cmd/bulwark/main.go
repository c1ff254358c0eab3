package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().ExecuteContext(ctx); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, "bulwark:", err)
		os.Exit(1)
	}
}

// exitCodeError propagates a child process exit code through cobra
// without printing anything of its own.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type rootFlags struct {
	workspace string
	configDir string
	auditDB   string
	logLevel  string
	tty       bool
	yes       bool
}

func newApp() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "bulwark",
		Short: "Enforcement layer for terminal coding agents",
		Long: `bulwark sits between a coding agent and the machine it works on. Shell
commands are tokenized without a shell, checked against a command
policy, and confined to the workspace; remote tool calls go only to
servers whose configuration fingerprint was explicitly trusted, with
argument validation, duplicate-call sharing, and idempotency injection
on the way out. Every decision lands in an audit trail.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.workspace, "workspace", ".",
		"workspace root that commands and path arguments are confined to")
	cmd.PersistentFlags().StringVar(&flags.configDir, "config-dir", defaultConfigDir(),
		"directory holding servers.yaml and trust.yaml")
	cmd.PersistentFlags().StringVar(&flags.auditDB, "audit-db", envOrDefault("BULWARK_AUDIT_DB", ""),
		"SQLite file for the decision audit trail (empty logs decisions instead)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", envOrDefault("BULWARK_LOG_LEVEL", "warn"),
		"log level [debug, info, warn, error]")
	cmd.PersistentFlags().BoolVar(&flags.tty, "tty", isatty.IsTerminal(os.Stdin.Fd()),
		"prompt for confirmations on the terminal; when false, unapproved actions are denied")
	cmd.PersistentFlags().BoolVarP(&flags.yes, "yes", "y", false,
		"approve every confirmation prompt")
	cmd.AddCommand(
		newExecCommand(flags),
		newToolCommand(flags),
		newToolsCommand(flags),
		newServerCommand(flags),
		newServeCommand(flags),
	)
	return cmd
}

func defaultConfigDir() string {
	if dir := os.Getenv("BULWARK_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bulwark"
	}
	return filepath.Join(home, ".bulwark")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.WarnLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
