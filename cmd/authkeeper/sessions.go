package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/session"
)

// failed turns an unsuccessful reply into a command error.
func failed(r autherr.Result) error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%s: %s", r.ErrorCode, r.Error)
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	sessions := &cobra.Command{Use: "sessions", Short: "Inspect stored platform sessions"}

	var userID, projectID int64
	var platformGlob string

	list := &cobra.Command{
		Use:   "list --user <id>",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := loadService()
			if err != nil {
				return err
			}
			defer svc.Close()

			var project *int64
			if cmd.Flags().Changed("project") {
				project = &projectID
			}
			reply := svc.ListSessions(cmd.Context(), userID, project, platformGlob)
			if err := failed(reply.Result); err != nil {
				return err
			}
			return emit(cmd, opts, reply, func() {
				if reply.Total == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
					return
				}
				for _, s := range reply.Sessions {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%d\t%s\t%s\t%s\n",
						s.UserID, s.ProjectID, s.Platform, s.Health, s.LastModified.Format("2006-01-02 15:04"))
				}
			})
		},
	}
	list.Flags().Int64Var(&userID, "user", 0, "user id")
	list.Flags().Int64Var(&projectID, "project", 0, "project id (all projects when omitted)")
	list.Flags().StringVar(&platformGlob, "platform", "", "platform glob such as \"wei*\"")

	var fast bool
	status := &cobra.Command{
		Use:   "status <platform>",
		Short: "Classify one stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadService()
			if err != nil {
				return err
			}
			defer svc.Close()

			reply := svc.GetSessionStatus(cmd.Context(), userID, projectID, args[0], fast)
			if err := failed(reply.Result); err != nil {
				return err
			}
			return emit(cmd, opts, reply, func() {
				st := reply.Session
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s health=%s exists=%t age_hours=%.1f", st.Key, st.Health, st.Exists, st.AgeHours)
				if st.Reason != "" {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), " reason=%q", st.Reason)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout())
			})
		},
	}
	status.Flags().Int64Var(&userID, "user", 0, "user id")
	status.Flags().Int64Var(&projectID, "project", 0, "project id")
	status.Flags().BoolVar(&fast, "fast", false, "classify by age only, without a heartbeat")

	del := &cobra.Command{
		Use:   "delete <platform>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadService()
			if err != nil {
				return err
			}
			defer svc.Close()

			reply := svc.DeleteSession(cmd.Context(), userID, projectID, args[0])
			if err := failed(reply.Result); err != nil {
				return err
			}
			return emit(cmd, opts, reply, func() {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), reply.Message)
			})
		},
	}
	del.Flags().Int64Var(&userID, "user", 0, "user id")
	del.Flags().Int64Var(&projectID, "project", 0, "project id")

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions too old to be valid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := loadService()
			if err != nil {
				return err
			}
			defer svc.Close()

			f := session.Filter{UserID: userID, Platform: platformGlob}
			if cmd.Flags().Changed("project") {
				f.ProjectID = &projectID
			}
			reply := svc.PruneSessions(cmd.Context(), f)
			if err := failed(reply.Result); err != nil {
				return err
			}
			return emit(cmd, opts, reply, func() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d %s\n", reply.Removed, plural(reply.Removed, "session"))
			})
		},
	}
	cleanup.Flags().Int64Var(&userID, "user", 0, "user id (all users when omitted)")
	cleanup.Flags().Int64Var(&projectID, "project", 0, "project id")
	cleanup.Flags().StringVar(&platformGlob, "platform", "", "platform glob")

	sessions.AddCommand(list, status, del, cleanup)
	return sessions
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
