package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hania222/warehouse-fleet/internal/bus"
	"github.com/hania222/warehouse-fleet/internal/config"
	"github.com/hania222/warehouse-fleet/internal/hardware"
	"github.com/hania222/warehouse-fleet/internal/store/postgres"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var natsURL string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify the home directory, serial ports, bus and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			out := cmd.OutOrStdout()

			var problems []string
			if err := checkHomeWritable(home); err != nil {
				problems = append(problems, fmt.Sprintf("home %s not writable: %v", home, err))
			} else {
				_, _ = fmt.Fprintf(out, "- home: %s\n", home)
			}

			// Serial ports are informational; a simulated fleet needs none.
			if ports, err := hardware.ListSerialPorts(); err != nil {
				_, _ = fmt.Fprintf(out, "- serial ports: unavailable (%v)\n", err)
			} else {
				_, _ = fmt.Fprintf(out, "- serial ports: %d\n", len(ports))
			}

			if natsURL == "" {
				natsURL = os.Getenv("FLEET_NATS_URL")
			}
			if natsURL != "" {
				if err := checkNATS(cmd.Context(), natsURL); err != nil {
					problems = append(problems, fmt.Sprintf("nats %s unreachable: %v", natsURL, err))
				} else {
					_, _ = fmt.Fprintf(out, "- nats: %s\n", natsURL)
				}
			}

			if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
				if err := checkPostgres(dsn); err != nil {
					problems = append(problems, fmt.Sprintf("postgres: %v", err))
				} else {
					_, _ = fmt.Fprintln(out, "- postgres: ok")
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server to probe (env: FLEET_NATS_URL)")
	return cmd
}

func checkHomeWritable(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(home, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func checkNATS(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	b, err := bus.DialNATS(ctx, bus.NATSOptions{URL: url, Name: "fleet-doctor", ConnectAttempts: 1})
	if err != nil {
		return err
	}
	return b.Close()
}

// checkPostgres connects and runs migrations, which also verifies permissions.
func checkPostgres(dsn string) error {
	s, err := postgres.Open(dsn)
	if err != nil {
		return err
	}
	return s.Close()
}
