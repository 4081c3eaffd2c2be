package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/authtoken"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/envutil"
)

func newTokenCmd() *cobra.Command {
	var (
		user   string
		tenant string
		roles  []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := authtoken.NewVerifier(envutil.String("JWT_SECRET", ""), envutil.String("JWT_ISSUER", ""))
			if err != nil {
				return err
			}
			uid := uuid.New()
			if user != "" {
				if uid, err = uuid.Parse(user); err != nil {
					return fmt.Errorf("--user must be a uuid")
				}
			}
			var tid *uuid.UUID
			if tenant != "" {
				t, err := uuid.Parse(tenant)
				if err != nil {
					return fmt.Errorf("--tenant must be a uuid")
				}
				tid = &t
			}
			tok, err := v.Sign(uid, tid, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "subject user id (random when empty)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant; repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
