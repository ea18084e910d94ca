// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var adminClient = &http.Client{Timeout: 10 * time.Second}

var statusCmd = &cobra.Command{
	Use:   "status [experiment-id]",
	Short: "Show experiments or one experiment's latest analysis",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return adminGet("/v1/experiments")
		}
		if err := adminGet("/v1/experiments/" + args[0]); err != nil {
			return err
		}
		return adminGet("/v1/experiments/" + args[0] + "/analysis")
	},
}

var rampCmd = &cobra.Command{
	Use:   "ramp <experiment-id> <allocation>",
	Short: "Set an experiment's traffic allocation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		allocation, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("allocation must be an integer: %w", err)
		}
		reason, _ := cmd.Flags().GetString("reason")
		return adminPost("/v1/experiments/"+args[0]+"/ramp", map[string]any{
			"allocation": allocation,
			"reason":     reason,
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <experiment-id>",
	Short: "Roll an experiment back to zero allocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return adminPost("/v1/experiments/"+args[0]+"/rollback", map[string]any{
			"reason": reason,
		})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <experiment-id>",
	Short: "Disable an experiment without changing its allocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return adminPost("/v1/experiments/"+args[0]+"/disable", map[string]any{
			"reason": reason,
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{rampCmd, rollbackCmd, disableCmd} {
		cmd.Flags().String("reason", "", "Reason recorded in the audit trail")
	}
}

func adminGet(path string) error {
	resp, err := adminClient.Get(serverAddr + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func adminPost(path string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := adminClient.Post(serverAddr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Pretty-print when the body is JSON.
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
