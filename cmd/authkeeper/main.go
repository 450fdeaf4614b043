// Package main provides the authkeeper operator CLI: interactive platform
// login, stored session inspection and the batch account health scan.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entrhq/authkeeper/pkg/config"
	"github.com/entrhq/authkeeper/pkg/service"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	asJSON bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "authkeeper",
		Short:         "Platform login and session lifecycle",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print replies as JSON")

	root.AddCommand(newLoginCmd(opts))
	root.AddCommand(newSessionsCmd(opts))
	root.AddCommand(newAccountsCmd(opts))
	root.AddCommand(newPlatformsCmd(opts))
	return root
}

func loadService(opts ...service.Option) (*service.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return service.NewFromConfig(cfg, opts...)
}

// emit prints v as JSON when requested, otherwise runs text.
func emit(cmd *cobra.Command, opts *rootOptions, v any, text func()) error {
	if !opts.asJSON {
		text()
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
