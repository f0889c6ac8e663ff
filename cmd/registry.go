package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/service-mesh/internal/registry"
)

func newRegistryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and edit the service registry",
	}
	cmd.AddCommand(
		newRegistryListCmd(a),
		newRegistryRegisterCmd(a),
		newRegistryUnregisterCmd(a),
		newRegistryAnnounceCmd(a),
	)
	return cmd
}

func newRegistryListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			if asJSON {
				services, err := reg.ListServices(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(services)
			}

			recs, err := reg.Records(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tURL\tHEALTHY\tPID\tREGISTERED\tLAST CHECK")
			for _, rec := range recs {
				lastCheck := "-"
				if rec.LastHealthCheck != nil {
					lastCheck = rec.LastHealthCheck.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					rec.Name, rec.URL, strconv.FormatBool(rec.Healthy), rec.PID,
					rec.RegisteredAt.Format(time.RFC3339), lastCheck)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newRegistryRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register NAME URL",
		Short: "Register or replace a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			rec, err := reg.Register(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s\n", rec.Name, rec.URL)
			return nil
		},
	}
}

func newRegistryUnregisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister NAME",
		Short: "Remove a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			if err := reg.Unregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", args[0])
			return nil
		},
	}
}

// announce keeps services registered for as long as the command runs, for
// services that cannot talk to the registry themselves.
func newRegistryAnnounceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "announce NAME URL [NAME URL...]",
		Short: "Register services until interrupted",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return errors.New("expects NAME URL pairs")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			ctx := cmd.Context()
			var registrations []*registry.Registration
			for i := 0; i < len(args); i += 2 {
				r := registry.NewRegistration(reg, args[i], args[i+1])
				if err := r.Start(ctx); err != nil {
					return errors.Join(err, releaseAll(ctx, reg, registrations))
				}
				registrations = append(registrations, r)
				fmt.Fprintf(cmd.OutOrStdout(), "announcing %s at %s (pid %d)\n", args[i], args[i+1], reg.PID())
			}

			<-ctx.Done()
			if err := releaseAll(ctx, reg, registrations); err != nil {
				a.log.Error("Failed to unregister services", slog.Any("err", err))
				return err
			}
			return nil
		},
	}
}

// releaseAll stops every registration and sweeps whatever else this process
// still owns. ctx may already be cancelled, so removal gets its own deadline.
func releaseAll(ctx context.Context, reg *registry.Registry, registrations []*registry.Registration) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var errs []error
	for _, r := range registrations {
		if err := r.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := reg.ReleaseOwned(stopCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
