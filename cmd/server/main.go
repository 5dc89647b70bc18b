package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"voicerelay/internal/config"
	"voicerelay/internal/logging"
	"voicerelay/internal/otelutil"
	"voicerelay/internal/upstream"
)

var version = "0.1.0"

var (
	flagConfig   string
	flagPort     int
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "voicerelay-server",
	Short:         "Relay browser voice sessions to the Gemini Live API",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file (default $"+config.EnvConfigPath+")")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "port to listen on (overrides $"+config.EnvPort+")")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flagPort
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stdout); err != nil {
		return err
	}

	if err := otelutil.Init(version); err != nil {
		if errors.Is(err, otelutil.ErrNoExporter) {
			log.Debug().Msg("tracing disabled")
		} else {
			log.Warn().Err(err).Msg("failed to initialise tracing")
		}
	}
	defer otelutil.Flush()

	if !cfg.HasAPIKey() {
		log.Warn().Strs("env", config.CredentialEnvVars).Msg("no Gemini API key configured, clients will receive an error")
	}

	dialer := &upstream.WebSocketDialer{
		BaseURL:   cfg.Upstream.BaseURL,
		APIKey:    cfg.Upstream.APIKey,
		UserAgent: "voicerelay/" + version,
	}
	s := NewServer(cfg, dialer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
