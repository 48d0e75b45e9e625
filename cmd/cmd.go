// Package cmd implements the tunnelboard subcommands. Each RunX function
// takes the arguments after the subcommand name.
package cmd

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/tunnelboard/internal/auth"
	"grimm.is/tunnelboard/internal/brand"
	"grimm.is/tunnelboard/internal/config"
	"grimm.is/tunnelboard/internal/i18n"
	"grimm.is/tunnelboard/internal/logging"
)

// Printer writes user-facing CLI output in the process locale.
var Printer = i18n.NewCLIPrinter()

// configFlag registers -config and its -c shorthand.
func configFlag(fs *flag.FlagSet) *string {
	path := fs.String("config", brand.GetConfigPath(), "Configuration file")
	fs.StringVar(path, "c", brand.GetConfigPath(), "Configuration file (short)")
	return path
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// setupLogging builds the process logger from cfg and makes it the default.
func setupLogging(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:  level,
		Output: os.Stderr,
		JSON:   cfg.LogJSON,
	})
	logging.SetDefault(logger)
	return logger, nil
}

func passwordPolicy(cfg *config.Config) auth.PasswordPolicy {
	return auth.PasswordPolicy{
		MinLength:  cfg.Auth.MinPasswordLength,
		MinEntropy: float64(cfg.Auth.MinEntropy),
	}
}
