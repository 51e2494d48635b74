package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/pwchanged"
	"pkt.systems/pwchanged/internal/sealer"
)

func newKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the key bundle that seals queued requests",
	}
	cmd.AddCommand(newKeyGenCommand())
	return cmd
}

func newKeyGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.pwchanged/payload.pem"
	if p, err := pwchanged.DefaultPayloadKeyPath(); err == nil {
		defaultOutput = p
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a payload key bundle",
		Long: `Generates a PEM bundle holding a fresh root key. Every instance sharing
a store needs the same bundle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := sealer.GenerateKeyPEM()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				p, err := pwchanged.DefaultPayloadKeyPath()
				if err != nil {
					return fmt.Errorf("resolve key path: %w", err)
				}
				outPath = p
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("key bundle %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat key bundle: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write key bundle: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote payload key to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the bundle to stdout instead of writing a file")
	return cmd
}
