package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"txflow/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	if err := cfg.validate(); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level)

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if cfg.PrintIdentity {
		return printIdentity(cfg)
	}

	validators, err := loadValidators(cfg.ValidatorsPath)
	if err != nil {
		return fmt.Errorf("load validators:\n%w", err)
	}

	log := slog.Default()
	printStartupInfo(cfg, log, validators)

	app, err := NewApp(cfg, validators, log)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	return app.Run()
}

// printIdentity writes this key's validators file entry to stdout.
func printIdentity(cfg *Config) error {
	entry, err := identityEntry(cfg.PrivateKey)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(entry)
}
