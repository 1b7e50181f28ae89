package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aledbf/vzbox/internal/config"
	"github.com/aledbf/vzbox/internal/host/store"
	"github.com/aledbf/vzbox/internal/paths"
)

func newIdentityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage persisted machine identities",
	}
	cmd.AddCommand(
		newIdentityListCommand(),
		newIdentityShowCommand(),
		newIdentityRemoveCommand(),
	)
	return cmd
}

func openIdentities() (store.Store[store.IdentityRecord], string, error) {
	cfg, err := config.Get()
	if err != nil {
		return nil, "", err
	}
	s, err := store.NewIdentityStore(paths.IdentityDBPath(cfg.Paths.StateDir))
	if err != nil {
		return nil, "", err
	}
	return s, cfg.Paths.StateDir, nil
}

func newIdentityListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List machines with a recorded identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, _, err := openIdentities()
			if err != nil {
				return err
			}
			defer ids.Close()

			names, err := ids.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tIDENTITY\tCREATED")
			for _, name := range names {
				rec, err := ids.Get(cmd.Context(), name)
				if err != nil {
					return err
				}
				id, err := rec.MachineIdentity()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Name, id, rec.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newIdentityShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the identity recorded for a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, stateDir, err := openIdentities()
			if err != nil {
				return err
			}
			defer ids.Close()

			rec, err := ids.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			id, err := rec.MachineIdentity()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:              %s\n", rec.Name)
			fmt.Fprintf(out, "identity:          %s\n", id)
			fmt.Fprintf(out, "variable store:    %s\n", rec.VariableStore)
			fmt.Fprintf(out, "engine identifier: %s\n", paths.NativeIdentifierPath(stateDir, id.String()))
			fmt.Fprintf(out, "created:           %s\n", rec.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newIdentityRemoveCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "rm <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Forget the identity of a machine; its next run boots as a new machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, stateDir, err := openIdentities()
			if err != nil {
				return err
			}
			defer ids.Close()

			name := args[0]
			rec, err := ids.Get(cmd.Context(), name)
			if err != nil {
				return err
			}
			id, err := rec.MachineIdentity()
			if err != nil {
				return err
			}
			if err := ids.Delete(cmd.Context(), name); err != nil {
				return err
			}

			var errs []error
			if err := os.Remove(paths.NativeIdentifierPath(stateDir, id.String())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			if purge {
				if err := os.RemoveAll(paths.MachineDir(stateDir, name)); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Also remove the machine directory, including its EFI variable store")
	return cmd
}
