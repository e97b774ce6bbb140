package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/rbac/seed"
	"github.com/platinummonkey/entitle/pkg/rbac/store"
)

// render writes v as JSON with -o json, or calls text otherwise
func (a *app) render(w io.Writer, v interface{}, text func(io.Writer) error) error {
	switch a.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		return text(w)
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}
}

// withBackend opens a backend for the duration of fn
func (a *app) withBackend(cmd *cobra.Command, fn func(context.Context, backend) error) error {
	ctx := cmd.Context()
	b, err := a.backend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close backend")
		}
	}()
	return fn(ctx, b)
}

func parsePrincipal(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid principal %q: must be a UUID", arg)
	}
	return id, nil
}

func (a *app) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the permission store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := store.RunMigrations(cmd.Context(), db)
			if err != nil {
				return err
			}
			a.log.WithField("applied", n).Info("migrations complete")
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func (a *app) newSeedCommand() *cobra.Command {
	var (
		file string
		demo bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the baseline roles and permissions",
		Long: `Load the baseline roles and permissions, or a YAML fixture with --file.
Nothing is written when the superadmin role already exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fixture := seed.Default()
			switch {
			case file != "":
				f, err := seed.LoadFile(file)
				if err != nil {
					return err
				}
				fixture = f
			case demo:
				fixture = seed.Demo()
			}

			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			logger := observability.NewLogger(observability.ParseLogLevel(a.log.GetLevel().String()), a.opts.Err)
			applied, err := seed.Apply(cmd.Context(), store.NewAdmin(db, nil, logger), fixture)
			if err != nil {
				return err
			}
			if !applied {
				fmt.Fprintln(cmd.OutOrStdout(), "already seeded")
				return nil
			}
			a.log.WithFields(logrus.Fields{
				"roles":       len(fixture.Roles),
				"permissions": len(fixture.Permissions),
				"principals":  len(fixture.Principals),
			}).Info("seed applied")
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d role(s) and %d permission(s)\n", len(fixture.Roles), len(fixture.Permissions))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML fixture to load instead of the baseline")
	cmd.Flags().BoolVar(&demo, "demo", false, "also create the demo admin and user principals")
	return cmd
}

type checkResult struct {
	PrincipalID string `json:"principal_id"`
	Permission  string `json:"permission"`
	Allowed     bool   `json:"allowed"`
}

func (a *app) newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <principal> <permission>",
		Short: "Report whether a principal holds a permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := parsePrincipal(args[0])
			if err != nil {
				return err
			}
			return a.withBackend(cmd, func(ctx context.Context, b backend) error {
				allowed, err := b.Check(ctx, principal, args[1])
				if err != nil {
					return err
				}
				res := checkResult{PrincipalID: principal.String(), Permission: args[1], Allowed: allowed}
				return a.render(cmd.OutOrStdout(), res, func(w io.Writer) error {
					verdict := "denied"
					if allowed {
						verdict = "allowed"
					}
					_, err := fmt.Fprintln(w, verdict)
					return err
				})
			})
		},
	}
}

func (a *app) newEffectiveCommand() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "effective <principal>",
		Short: "List the permissions a principal holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := parsePrincipal(args[0])
			if err != nil {
				return err
			}
			return a.withBackend(cmd, func(ctx context.Context, b backend) error {
				eff, err := b.Effective(ctx, principal, fresh)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), eff, func(w io.Writer) error {
					if eff.All {
						_, err := fmt.Fprintln(w, "* (system role bypass)")
						return err
					}
					for _, name := range eff.Permissions.Names() {
						if _, err := fmt.Fprintln(w, name); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "skip the server's decision cache")
	return cmd
}

func (a *app) newInvalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate [principal]",
		Short: "Drop cached decisions for one principal or everyone",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var principal *uuid.UUID
			if len(args) == 1 {
				id, err := parsePrincipal(args[0])
				if err != nil {
					return err
				}
				principal = &id
			}
			return a.withBackend(cmd, func(ctx context.Context, b backend) error {
				if err := b.Invalidate(ctx, principal); err != nil {
					return err
				}
				scope := "all"
				if principal != nil {
					scope = principal.String()
				}
				a.log.WithField("scope", scope).Info("cache invalidated")
				fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", scope)
				return nil
			})
		},
	}
}

func (a *app) newRolesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(ctx context.Context, b backend) error {
				roles, err := b.Roles(ctx)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), roles, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tSYSTEM\tDEFAULT\tPARENT")
					for _, r := range roles {
						parent := "-"
						if r.ParentID != nil {
							parent = strconv.FormatInt(int64(*r.ParentID), 10)
						}
						fmt.Fprintf(tw, "%d\t%s\t%t\t%t\t%t\t%s\n", r.ID, r.Name, r.IsActive, r.IsSystem, r.IsDefault, parent)
					}
					return tw.Flush()
				})
			})
		},
	}
}

// resolveRole accepts a role ID or name
func resolveRole(ctx context.Context, b backend, arg string) (rbac.RoleID, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return rbac.RoleID(id), nil
	}
	roles, err := b.Roles(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range roles {
		if r.Name == arg {
			return r.ID, nil
		}
	}
	return 0, fmt.Errorf("role %q: %w", arg, rbac.ErrNotFound)
}

func (a *app) newAssignCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <principal> <role>",
		Short: "Give a principal a role, by ID or name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.changeRole(cmd, args, "assigned", backend.AssignRole)
		},
	}
}

func (a *app) newRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <principal> <role>",
		Short: "Take a role from a principal, by ID or name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.changeRole(cmd, args, "revoked", backend.RevokeRole)
		},
	}
}

func (a *app) changeRole(cmd *cobra.Command, args []string, verb string,
	op func(backend, context.Context, uuid.UUID, rbac.RoleID) error) error {
	principal, err := parsePrincipal(args[0])
	if err != nil {
		return err
	}
	return a.withBackend(cmd, func(ctx context.Context, b backend) error {
		role, err := resolveRole(ctx, b, args[1])
		if err != nil {
			return err
		}
		if err := op(b, ctx, principal, role); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s role %s for %s\n", verb, args[1], principal)
		return nil
	})
}
