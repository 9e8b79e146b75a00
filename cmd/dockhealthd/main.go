package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dockhealth/internal/buildinfo"
	"dockhealth/internal/config"
	"dockhealth/internal/daemon"
	"dockhealth/internal/logging"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("Command failed.", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := config.NewViper()
	var cfg config.Config

	cmd := &cobra.Command{
		Use:           "dockhealthd",
		Short:         "Forward Docker container health to dead-man's-switch ping endpoints",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = loadConfig(v); err != nil {
				return err
			}
			return logging.Configure(cfg.LogLevel, cfg.LogFormat)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	if err := config.BindFlags(v, cmd.PersistentFlags()); err != nil {
		panic(err)
	}
	cmd.AddCommand(statusCmd(&cfg))
	return cmd
}

func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, &daemon.StartupError{Err: err}
	}
	return cfg, nil
}
