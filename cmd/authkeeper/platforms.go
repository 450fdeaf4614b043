package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entrhq/authkeeper/pkg/config"
	"github.com/entrhq/authkeeper/pkg/platform"
)

type platformEntry struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Kind     platform.Kind `json:"kind"`
	LoginURL string        `json:"login_url"`
}

func newPlatformsCmd(opts *rootOptions) *cobra.Command {
	platforms := &cobra.Command{Use: "platforms", Short: "Platform table queries"}

	platforms.AddCommand(&cobra.Command{
		Use:   "list [glob]",
		Short: "List configured platforms",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			table, err := platform.Load(cfg.PlatformsFile)
			if err != nil {
				return err
			}
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			matched, err := table.Match(pattern)
			if err != nil {
				return err
			}

			entries := make([]platformEntry, 0, len(matched))
			for _, p := range matched {
				entries = append(entries, platformEntry{ID: p.ID, Name: p.Name, Kind: p.Kind, LoginURL: p.LoginURL})
			}
			return emit(cmd, opts, entries, func() {
				for _, e := range entries {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", e.ID, e.Kind, e.Name, e.LoginURL)
				}
			})
		},
	})
	return platforms
}
