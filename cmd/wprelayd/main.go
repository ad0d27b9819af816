// Package main is the relay daemon.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/daemon"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "wprelayd",
		Short:        "WhatsApp webhook ingestion and fan-out relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			app := fx.New(
				daemon.Module(daemon.Params{ConfigPath: cfgPath}),
				fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: l.Named("fx")}
				}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "path to config file (default $WPRELAY_HOME/config.toml)")
	return cmd
}
