package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entrhq/authkeeper/pkg/scanner"
)

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	accounts := &cobra.Command{Use: "accounts", Short: "Account record maintenance"}

	var quiet bool
	var platformGlob string
	check := &cobra.Command{
		Use:   "check",
		Short: "Re-validate every active account and update its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := loadService()
			if err != nil {
				return err
			}
			defer svc.Close()

			var progress scanner.Progress
			if !quiet {
				progress = scanner.ProgressFunc(func(done, total int, r scanner.Result) {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "[%d/%d] %s/%s %s (%s)\n", done, total, r.Platform, r.AccountName, r.Health, r.Step)
				})
			}
			reply := svc.CheckAccounts(cmd.Context(), platformGlob, progress)
			if err := failed(reply.Result); err != nil {
				return err
			}
			return emit(cmd, opts, reply, func() {
				s := reply.Summary
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "checked=%d valid=%d invalid=%d expiring=%d failed=%d\n",
					s.Total, s.Valid, s.Invalid, s.Expiring, s.Failed)
			})
		},
	}
	check.Flags().BoolVar(&quiet, "quiet", false, "suppress per-account progress")
	check.Flags().StringVar(&platformGlob, "platform", "", "only accounts on platforms matching this glob")

	accounts.AddCommand(check)
	return accounts
}
