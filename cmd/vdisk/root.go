package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "VDISK"

	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

// newRootCommand builds the command tree. Every flag can also be set from a
// VDISK_ environment variable or the config file.
func newRootCommand(logger *logrus.Logger) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "vdisk",
		Short:         "Resilient network virtual disk client and storage agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlagsLoadViper(v, cmd); err != nil {
				return err
			}
			return configureLogger(logger, v.GetString(flagLogLevel), v.GetString(flagLogFormat))
		},
	}
	cmd.PersistentFlags().String(flagConfig, "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().String(flagLogLevel, "info", "log level")
	cmd.PersistentFlags().String(flagLogFormat, "text", "log format (text|json)")

	cmd.AddCommand(
		newAgentCommand(v, logger),
		newAttachCommand(v, logger),
		newBenchCommand(v, logger),
	)
	return cmd
}

func bindFlagsLoadViper(v *viper.Viper, cmd *cobra.Command) error {
	// cmd.Flags() includes the persistent flags of the parents
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	path := v.GetString(flagConfig)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

func configureLogger(logger *logrus.Logger, level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal(logger logrus.FieldLogger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	sig := <-sigs
	logger.WithField("signal", sig.String()).Info("shutting down")
}
