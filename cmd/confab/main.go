package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/go-go-golems/confab/cmd/confab/cmds"
	"github.com/go-go-golems/confab/pkg/logging"
	"github.com/go-go-golems/confab/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flagKeys maps persistent flags onto their nested configuration keys.
var flagKeys = map[string]string{
	"model":          "backend.model",
	"endpoint":       "backend.endpoint",
	"storage-driver": "storage.driver",
	"storage-path":   "storage.path",
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "confab",
		Short:         "confab streams chat conversations from one or many models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			if err := settings.Setup(v, configPath); err != nil {
				return err
			}

			flags := cmd.Root().PersistentFlags()
			for _, name := range []string{
				"log-level", "log-format", "log-file", "with-caller", "verbose",
				"fake", "print-raw-events",
			} {
				if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
					return errors.Wrapf(err, "could not bind flag %s", name)
				}
			}
			for name, key := range flagKeys {
				if !flags.Changed(name) {
					continue
				}
				if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
					return errors.Wrapf(err, "could not bind flag %s", name)
				}
			}

			// reinitialize the logger now that --log-level and co are parsed
			if err := logging.Init(logging.ConfigFromViper(v)); err != nil {
				return err
			}
			log.Debug().Str("config", v.ConfigFileUsed()).Msg("Loaded configuration")
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: ./config.yaml or ~/.confab/config.yaml)")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Log file (default: stderr only)")
	flags.Bool("with-caller", false, "Log caller")
	flags.BoolP("verbose", "v", false, "Verbose output")
	flags.Bool("fake", false, "Answer with the local fixture backend instead of a model")
	flags.Bool("print-raw-events", false, "Print the raw events instead of the chat text")
	flags.String("model", "", "Default model")
	flags.String("endpoint", "", "Streaming endpoint of the backend")
	flags.String("storage-driver", "", "Conversation storage (yaml, sqlite)")
	flags.String("storage-path", "", "Conversation storage file")

	rootCmd.AddCommand(
		cmds.NewChatCommand(v),
		cmds.NewBeamCommand(v),
		cmds.NewHistoryCommand(v),
		cmds.NewTokensCommand(v),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// log with the defaults until the flags are parsed
	_ = logging.Init(logging.Config{Level: "info", Format: "text"})

	v := viper.New()
	if err := newRootCommand(v).ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("confab failed")
		stop()
		os.Exit(1)
	}
}
