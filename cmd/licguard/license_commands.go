// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/licguard/internal/config"
	"github.com/autobrr/licguard/internal/license"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validateOutput(output string) error {
	switch output {
	case outputText, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q, use text, json or yaml", output)
	}
}

func printStatus(w io.Writer, status license.Status, output string) error {
	switch output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(status)
	}

	valid := "no"
	if status.IsValid {
		valid = "yes"
	}
	activated := "no"
	if status.IsActivated {
		activated = "yes"
	}

	fmt.Fprintf(w, "Valid:          %s\n", valid)
	fmt.Fprintf(w, "Activated:      %s\n", activated)
	if status.LicenseType != "" {
		fmt.Fprintf(w, "Type:           %s\n", status.LicenseType)
	}
	if status.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:        %s\n", status.ExpiresAt.Format(time.DateTime))
	}
	fmt.Fprintf(w, "Days remaining: %d\n", status.DaysRemaining)
	if status.MachineID != "" {
		fmt.Fprintf(w, "Machine ID:     %s\n", status.MachineID)
	}
	if status.Message != "" {
		fmt.Fprintf(w, "Message:        %s\n", status.Message)
	}

	if d := license.DecideBanner(status, true, nil); d.Text != nil {
		fmt.Fprintf(w, "\n%s\n", *d.Text)
	}
	return nil
}

func RunStatusCommand() *cobra.Command {
	var configDir, output string

	command := &cobra.Command{
		Use:   "status",
		Short: "Ask the License Authority for the current license status",
		Long: `Ask the License Authority for the current license status and print it.

An unreachable authority is reported as an unverified license, the same way
the server treats it. The exit code is non-zero unless the license is valid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}

			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			client, err := newAuthorityClient(cfg.Config)
			if err != nil {
				return err
			}
			defer client.Close()

			g := newGuard(cfg.Config, client)
			g.ForceRefresh(cmd.Context())

			status := license.Unverified()
			if current := g.CurrentStatus(); current != nil {
				status = *current
			}

			if err := printStatus(cmd.OutOrStdout(), status, output); err != nil {
				return err
			}

			if !status.IsValid {
				cmd.SilenceUsage = true
				return fmt.Errorf("license is not valid")
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")

	return command
}

func RunActivateCommand() *cobra.Command {
	var configDir, licenseKey, output string

	command := &cobra.Command{
		Use:   "activate",
		Short: "Activate a license key with the License Authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}

			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			if strings.TrimSpace(licenseKey) == "" {
				licenseKey, err = readSecret("Enter license key: ")
				if err != nil {
					return err
				}
			}

			client, err := newAuthorityClient(cfg.Config)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Config.Guard.RequestTimeout)
			defer cancel()

			status, err := client.Activate(ctx, licenseKey)
			if err != nil {
				return fmt.Errorf("activation failed: %w", err)
			}

			return printStatus(cmd.OutOrStdout(), *status, output)
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&licenseKey, "license-key", "",
		"license key to activate (will prompt if not provided)")
	command.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")

	return command
}

func RunMachineIDCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "machine-id",
		Short: "Print the machine identifier the license is bound to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			client, err := newAuthorityClient(cfg.Config)
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.MachineID(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Println(id)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}
