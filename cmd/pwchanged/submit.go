package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged"
	"pkt.systems/pwchanged/internal/correlation"
)

func newSubmitCommand(v *viper.Viper, logger pslog.Logger) *cobra.Command {
	var (
		subject       string
		correlationID string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a password change for one user",
		Long: `Validates the current password, takes the user's change lock and
queues the request on the shared store. A worker applies it on a later tick.

The current and new password are read from stdin, one per line.`,
		Example: `  printf '%s\n%s\n' "$OLD" "$NEW" | pwchanged submit --user 42 --store redis://localhost:6379/0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--user is required")
			}
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			cfg.DisableWorker = true
			cfg.MetricsListen, cfg.PprofListen, cfg.OTLPEndpoint = "", "", ""
			cfg.EnableProfilingMetrics = false
			cfg.CacheEvictURL = ""

			current, next, err := readSecrets(cmd.InOrStdin())
			if err != nil {
				return err
			}
			srv, err := pwchanged.NewServer(cfg, pwchanged.WithLogger(logger))
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if correlationID != "" {
				id, ok := correlation.Normalize(correlationID)
				if !ok {
					return fmt.Errorf("invalid --correlation-id %q", correlationID)
				}
				ctx = correlation.With(ctx, id)
			}
			ticket, err := srv.Submit(ctx, pwchanged.Request{
				SubjectID:     subject,
				CurrentSecret: current,
				NewSecret:     next,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "request:   %s\n", ticket.RequestID)
			fmt.Fprintf(out, "user:      %s\n", ticket.SubjectID)
			fmt.Fprintf(out, "cid:       %s\n", ticket.CorrelationID)
			fmt.Fprintf(out, "lock ends: %s (%s)\n", ticket.LockExpires.Format(time.RFC3339), humanize.Time(ticket.LockExpires))
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "user", "u", "", "user whose password changes")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id to attach (generated when empty)")
	return cmd
}

// readSecrets reads the current and new secret, one per line.
func readSecrets(r io.Reader) (string, string, error) {
	sc := bufio.NewScanner(r)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return "", "", fmt.Errorf("read stdin: %w", err)
	}
	if len(lines) < 2 {
		return "", "", errors.New("expected current and new password on stdin, one per line")
	}
	return lines[0], lines[1], nil
}
