package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entrhq/authkeeper/pkg/authflow"
	"github.com/entrhq/authkeeper/pkg/service"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var userID, projectID int64

	cmd := &cobra.Command{
		Use:   "login <platform>...",
		Short: "Open login windows and store the resulting sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events := make(chan authflow.Event, len(args))
			svc, err := loadService(service.WithListener(authflow.ListenerFunc(func(e authflow.Event) {
				select {
				case events <- e:
				default:
				}
			})))
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := cmd.Context()
			flow := svc.StartAuthFlow(userID, projectID, args)
			if !flow.Success {
				return fmt.Errorf("%s: %s", flow.ErrorCode, flow.Error)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "auth flow %s: %s\n", flow.FlowID, strings.Join(flow.Platforms, ", "))

			pending := make(map[string]bool)
			for _, p := range flow.Platforms {
				reply := svc.StartPlatformAuth(ctx, flow.FlowID, p)
				if !reply.Success {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%s)\n", p, reply.Error, reply.ErrorCode)
					continue
				}
				pending[p] = true
				_, _ = fmt.Fprintf(out, "%s: %s\n", p, reply.Message)
			}

			for len(pending) > 0 {
				select {
				case <-ctx.Done():
					svc.CancelAuthFlow(flow.FlowID)
					return ctx.Err()
				case e := <-events:
					if !pending[e.Platform] {
						continue
					}
					delete(pending, e.Platform)
					if e.Status == authflow.StatusCompleted {
						_, _ = fmt.Fprintf(out, "%s: signed in as %s\n", e.Platform, e.Username)
					} else {
						_, _ = fmt.Fprintf(out, "%s: %s (%s)\n", e.Platform, e.Error, e.ErrorCode)
					}
				}
			}

			final := svc.GetAuthStatus(flow.FlowID)
			return emit(cmd, opts, final, func() {})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
