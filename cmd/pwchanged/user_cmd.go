package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pwchanged"
	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/credential/sqlitestore"
)

func newUserCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Provision users in the sqlite credential store",
	}
	cmd.AddCommand(newUserSetCommand(v), newUserDeleteCommand(v))
	return cmd
}

func newUserSetCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "set <user>",
		Short: "Create a user or overwrite its password (read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			sc := bufio.NewScanner(cmd.InOrStdin())
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				return errors.New("expected password on stdin")
			}
			secret := strings.TrimRight(sc.Text(), "\r")
			if secret == "" {
				return errors.New("password must not be empty")
			}
			store, err := openUserStore(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Set(cmd.Context(), args[0], secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s set\n", args[0])
			return nil
		},
	}
}

func newUserDeleteCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <user>",
		Aliases: []string{"rm"},
		Short:   "Remove a user from the credential store (missing users are ignored)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			store, err := openUserStore(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s deleted\n", args[0])
			return nil
		},
	}
}

// openUserStore opens --credentials, falling back to the sqlite file in the
// config directory when the server default (memory) is selected.
func openUserStore(ctx context.Context, v *viper.Viper) (*sqlitestore.Store, error) {
	if _, err := loadConfigFile(v); err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(v.GetString("credentials"))
	if raw == "" || strings.HasPrefix(raw, "mem") {
		def, err := pwchanged.DefaultCredentialsURL()
		if err != nil {
			return nil, fmt.Errorf("resolve credentials url: %w", err)
		}
		raw = def
	}
	cost := v.GetInt("bcrypt-cost")
	if cost == 0 {
		cost = pwchanged.DefaultBcryptCost
	}
	if err := credential.ValidateCost(cost); err != nil {
		return nil, err
	}
	return pwchanged.OpenSQLiteCredentials(ctx, raw, cost)
}
