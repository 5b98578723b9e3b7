package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sensorhub/internal/config"
	"github.com/danmuck/sensorhub/internal/hub"
	"github.com/danmuck/sensorhub/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		initConfig bool
		validate   bool
		force      bool
		logLevel   string
	)
	flags := pflag.NewFlagSet("hubctl", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to hub.toml (defaults apply when unset)")
	flags.BoolVar(&initConfig, "init", false, "write a config template to --config and exit")
	flags.BoolVar(&validate, "validate", false, "validate --config and exit")
	flags.BoolVar(&force, "force", false, "overwrite an existing config with --init")
	flags.StringVar(&logLevel, "log-level", "", "override the configured log level")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if len(flags.Args()) > 0 {
		return fmt.Errorf("unexpected argument: %s", flags.Args()[0])
	}

	if initConfig {
		if configPath == "" {
			return errors.New("--init requires --config")
		}
		if err := config.WriteTemplate(configPath, force); err != nil {
			return err
		}
		fmt.Printf("wrote config template to %s\n", configPath)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if validate {
		fmt.Printf("config ok: %s\n", configPath)
		return nil
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logging.ConfigureWith(cfg.Logging.Level, cfg.Logging.JSON)

	h, err := hub.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("config", configPath).Msg("starting sensorhub")
	return h.Run(ctx)
}

func loadConfig(path string) (config.HubConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
