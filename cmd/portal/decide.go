package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	portalauth "github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/role"
	"github.com/MrEthical07/portalauth/session"
)

type decideFlags struct {
	role      string
	allow     []string
	require   []string
	anonymous bool
	loading   bool
}

var decideOpts decideFlags

var decideCmd = &cobra.Command{
	Use:   "decide PATH",
	Short: "Show the guard decision for a user shape and request path",
	Long: `Evaluates the default route policy offline. Useful for checking allow-lists
and privileged path families before editing profiles.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(cmd.OutOrStdout(), decideOpts, args[0])
	},
}

func init() {
	f := decideCmd.Flags()
	f.StringVar(&decideOpts.role, "role", "", "user role name")
	f.StringSliceVar(&decideOpts.allow, "allow", nil, "allowed page prefixes")
	f.StringSliceVar(&decideOpts.require, "require", nil, "roles the route declares")
	f.BoolVar(&decideOpts.anonymous, "anonymous", false, "evaluate with no signed-in user")
	f.BoolVar(&decideOpts.loading, "loading", false, "evaluate while a resolution is in flight")
}

func runDecide(w io.Writer, opts decideFlags, path string) error {
	def := portalauth.DefaultConfig()
	roles, err := defaultRegistry()
	if err != nil {
		return err
	}
	g, err := portalauth.NewGuard(def.Guard, roles)
	if err != nil {
		return err
	}
	req, err := g.Require(opts.require...)
	if err != nil {
		return err
	}

	state := session.State{Loading: opts.loading}
	if !opts.anonymous {
		if opts.role == "" {
			return fmt.Errorf("--role is required unless --anonymous is set")
		}
		state.User = &portalauth.ApplicationUser{
			ID:                  "offline",
			Role:                roles.Parse(opts.role),
			RoleName:            opts.role,
			AllowedPagePrefixes: opts.allow,
		}
	}

	d := g.Decide(state, path, req)
	fmt.Fprintf(w, "outcome: %s\n", d.Outcome)
	if d.RedirectTo != "" {
		fmt.Fprintf(w, "redirect: %s\n", d.RedirectTo)
	}
	if state.User != nil && state.User.Role == role.Unknown {
		fmt.Fprintf(w, "note: role %q is not registered (known: %s)\n", opts.role, strings.Join(roles.Known(), ", "))
	}
	return nil
}

func defaultRegistry() (*role.Registry, error) {
	def := portalauth.DefaultConfig()
	return role.NewRegistry(def.SuperRole, def.Roles...)
}
