package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// cli holds the state shared by the subcommands.
type cli struct {
	cfgPath  string
	logLevel string
	settings Settings
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "conduit",
		Short:         "Cross-context domain event propagation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(c.cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if c.logLevel != "" {
				s.Log.Level = c.logLevel
			}
			c.settings = s
			c.logger = newLogger(cmd.ErrOrStderr(), s)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.cfgPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(c), newScanCmd(c), newRequeueCmd(c), newVersionCmd())
	return root
}

func newLogger(w io.Writer, s Settings) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s.Log.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if s.Log.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", s.Service)
}
