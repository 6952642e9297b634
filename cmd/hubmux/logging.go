package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// cliLevels are the values --log-level accepts.
var cliLevels = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// resolveLevel picks the log level in order of precedence: --log-level,
// then --verbose, then the config file, then warn.
func resolveLevel(flag string, verbose bool, configured string) (logrus.Level, error) {
	if flag != "" {
		lvl, ok := cliLevels[flag]
		if !ok {
			return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", flag)
		}
		return lvl, nil
	}
	if verbose {
		return logrus.DebugLevel, nil
	}
	if lvl, err := logrus.ParseLevel(configured); configured != "" && err == nil {
		return lvl, nil
	}
	return logrus.WarnLevel, nil
}

// configureLogger builds the command's logger. Output goes to the command's
// stderr so frame traces and reports on stdout stay clean.
func configureLogger(cmd *cobra.Command, verboseFlagName string, configured string) (*logrus.Logger, error) {
	flag, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool(verboseFlagName)

	level, err := resolveLevel(flag, verbose, configured)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
