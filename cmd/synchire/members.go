package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/SyncHire/sync-hire-sub000/internal/authorization"
	"github.com/SyncHire/sync-hire-sub000/internal/migration"
)

var (
	memberOrg  string
	memberUser string
	memberRole string
)

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage organization members",
}

// membersSetCmd bootstraps the first owner of an organization, before any
// user can call the members API.
var membersSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Grant a user a role in an organization",
	RunE: func(cmd *cobra.Command, _ []string) error {
		role, err := authorization.ParseRole(strings.ToLower(strings.TrimSpace(memberRole)))
		if err != nil {
			return err
		}
		return runOnce(cmd.Context(),
			migration.Module,
			authorization.Module,
			fx.Invoke(func(lc fx.Lifecycle, svc authorization.Service, log *zap.Logger) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						if err := svc.SetMember(ctx, memberOrg, memberUser, role); err != nil {
							return err
						}
						log.Info("member role set",
							zap.String("org_id", memberOrg),
							zap.String("user_id", memberUser),
							zap.String("role", string(role)),
						)
						return nil
					},
				})
			}),
		)
	},
}

func init() {
	membersSetCmd.Flags().StringVar(&memberOrg, "org", "", "organization id")
	membersSetCmd.Flags().StringVar(&memberUser, "user", "", "user id")
	membersSetCmd.Flags().StringVar(&memberRole, "role", string(authorization.RoleOwner), "owner, admin, recruiter or member")
	_ = membersSetCmd.MarkFlagRequired("org")
	_ = membersSetCmd.MarkFlagRequired("user")

	membersCmd.AddCommand(membersSetCmd)
	rootCmd.AddCommand(membersCmd)
}
