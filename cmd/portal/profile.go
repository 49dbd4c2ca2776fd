package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	portalauth "github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/profile"
	"github.com/MrEthical07/portalauth/role"
)

var (
	profileDSN string
	setProfile portalauth.Profile
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect and seed organisation profiles",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if profileDSN != "" {
			return nil
		}
		return loadConfig(cmd, args)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or replace a profile",
	RunE: func(cmd *cobra.Command, _ []string) error {
		roles, err := defaultRegistry()
		if err != nil {
			return err
		}
		if roles.Parse(setProfile.Role) == role.Unknown {
			return fmt.Errorf("unknown role %q (known: %s)", setProfile.Role, strings.Join(roles.Known(), ", "))
		}
		return withProfileStore(cmd.Context(), func(s *profile.SQLStore) error {
			if err := s.Upsert(cmd.Context(), setProfile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", setProfile.UserID, setProfile.Role)
			return nil
		})
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every profile",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withProfileStore(cmd.Context(), func(s *profile.SQLStore) error {
			all, err := s.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tALLOWED")
			for _, p := range all {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.UserID, p.Email, p.Role, strings.Join(p.AllowedPagePrefixes, ","))
			}
			return tw.Flush()
		})
	},
}

var profileMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending profile schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withProfileStore(cmd.Context(), func(s *profile.SQLStore) error {
			version, dirty, err := s.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		})
	},
}

func init() {
	profileCmd.PersistentFlags().StringVar(&profileDSN, "dsn", "", "profile database DSN (default: database_dsn from config)")

	f := profileSetCmd.Flags()
	f.StringVar(&setProfile.UserID, "id", "", "provider user id")
	f.StringVar(&setProfile.Email, "email", "", "email address")
	f.StringVar(&setProfile.DisplayName, "name", "", "display name")
	f.StringVar(&setProfile.Role, "role", "", "role name")
	f.StringSliceVar(&setProfile.AllowedPagePrefixes, "allow", nil, "allowed page prefixes")
	_ = profileSetCmd.MarkFlagRequired("id")
	_ = profileSetCmd.MarkFlagRequired("role")

	profileCmd.AddCommand(profileSetCmd, profileListCmd, profileMigrateCmd)
}

func withProfileStore(ctx context.Context, fn func(*profile.SQLStore) error) error {
	dsn := profileDSN
	if dsn == "" && cfg != nil {
		dsn = cfg.DatabaseDSN
	}
	if dsn == "" {
		return fmt.Errorf("no profile database: set --dsn or database_dsn")
	}

	s, err := profile.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	return fn(s)
}
