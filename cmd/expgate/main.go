// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command expgate runs the experimentation and progressive rollout engine.
//
// The engine assigns sessions to experiment variants deterministically,
// aggregates anonymous metric events, and automatically advances or rolls
// back rollouts based on statistical evidence and safety thresholds.
//
// Usage:
//
//	expgate serve --config config.yaml
//	expgate status --addr http://localhost:8080
//	expgate ramp my-experiment 25 --reason "manual bump"
//	expgate rollback my-experiment --reason "incident 4821"
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "expgate",
	Short: "Experimentation and progressive rollout engine",
	Long: "expgate serves deterministic A/B assignments, aggregates metric\n" +
		"events, and manages progressive rollouts with automated quality gates.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:8080", "Engine address for admin commands")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rampCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(disableCmd)
}
