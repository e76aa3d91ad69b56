package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/cmd/marionette/cmds"
)

var (
	logLevel   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "marionette",
	Short: "marionette keeps a client-side chat log in sync with its backend",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger once --log-level has been parsed
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		level, err := zerolog.ParseLevel(logLevel)
		cobra.CheckErr(err)
		zerolog.SetGlobalLevel(level)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to marionette.yaml")

	rootCmd.AddCommand(
		cmds.NewServeCommand(&configPath),
		cmds.NewChatCommand(&configPath),
		cmds.NewSendCommand(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
