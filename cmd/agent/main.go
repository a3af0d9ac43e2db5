package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/agent"
	"github.com/safewatchhq/safewatch-agent/internal/config"
	"github.com/safewatchhq/safewatch-agent/internal/crisis"
	"github.com/safewatchhq/safewatch-agent/internal/logger"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "safewatch-agent",
		Short: "On-device monitoring agent with crisis-resource protection",
	}

	root.AddCommand(
		runCmd(),
		drainCmd(),
		checkCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the monitoring agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("safewatch-agent starting")

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	agent.BinaryVersion = Version
	a, err := agent.New(cfg, store, log)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

// drainCmd runs a one-shot queue drain and exits.
func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run a one-shot upload drain and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log := buildLogger(cfg)

			store, err := storage.NewBboltStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			a, err := agent.New(cfg, store, log)
			if err != nil {
				return err
			}

			uploaded := a.DrainOnce(context.Background())
			fmt.Printf("drain complete: uploaded=%d\n", uploaded)
			return nil
		},
	}
}

// checkCmd evaluates the protection engine against one input and prints only
// the boolean. Runs against the bundled defaults; no configuration required.
func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <domain-or-url>",
		Short: "Check whether a domain is protected and exit",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			log := zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(zerolog.ErrorLevel)
			engine := crisis.New(nil, log, crisis.Options{})
			fmt.Println(engine.IsURLProtected(args[0]))
		},
	}
}

// healthcheckCmd exits 0 if the agent's health endpoint responds.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("safewatch-agent %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
