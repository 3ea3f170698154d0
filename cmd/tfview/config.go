package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tfview/internal/config"
)

// resolveConfig layers defaults < config file < TFVIEW_* env < flags.
// Variables from --env-file fill in only what the environment leaves unset.
// Flags not defined on cmd are ignored.
func resolveConfig(cmd *cobra.Command, lookup lookupFunc) (config.Config, error) {
	var cfg config.Config
	flags := cmd.Flags()
	if path, _ := flags.GetString("env-file"); path != "" {
		withFile, err := withEnvFile(path, lookup)
		if err != nil {
			return cfg, err
		}
		lookup = withFile
	}
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return cfg, err
		}
	}

	str := func(name string, dst *string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("addr", &cfg.Addr)
	str("publish", &cfg.Publish)
	str("model", &cfg.Model)
	str("model-dir", &cfg.ModelDir)
	str("log-level", &cfg.LogLevel)
	if flags.Lookup("log-pretty") != nil && flags.Changed("log-pretty") {
		cfg.LogPretty, _ = flags.GetBool("log-pretty")
	}
	if flags.Lookup("replay-limit") != nil && flags.Changed("replay-limit") {
		cfg.ReplayLimit, _ = flags.GetInt("replay-limit")
	}
	if flags.Lookup("max-message-bytes") != nil && flags.Changed("max-message-bytes") {
		cfg.MaxMessageBytes, _ = flags.GetInt64("max-message-bytes")
	}
	if flags.Lookup("cors-origins") != nil && flags.Changed("cors-origins") {
		v, _ := flags.GetString("cors-origins")
		cfg.CORSOrigins = config.SplitCSV(v)
	}
	if flags.Lookup("shutdown-seconds") != nil && flags.Changed("shutdown-seconds") {
		cfg.ShutdownSeconds, _ = flags.GetInt("shutdown-seconds")
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func withEnvFile(path string, lookup lookupFunc) (lookupFunc, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	return func(key string) (string, bool) {
		if lookup != nil {
			if v, ok := lookup(key); ok {
				return v, true
			}
		}
		v, ok := vals[key]
		return v, ok
	}, nil
}
