package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"insight-agent/internal/agent"
	"insight-agent/internal/config"
	"insight-agent/internal/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("insight-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default: $INSIGHT_CONFIG or insight.yaml)")
	flagSet.StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print the agent version and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(version.UserAgent())
		return nil
	}

	if logLevel != "" {
		// flags outrank the environment
		if err := os.Setenv("INSIGHT_LOG_LEVEL", logLevel); err != nil {
			return fmt.Errorf("apply --log-level: %w", err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := agent.BuildLogger(cfg)
	ctx := context.Background()
	a, err := agent.New(ctx, cfg, logger, agent.Options{})
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		return err
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("agent runtime failed", "error", err)
		return err
	}
	return nil
}
