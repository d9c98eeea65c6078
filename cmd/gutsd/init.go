package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gutshub/guts/pkg/repo"
)

func newInitCmd() *cobra.Command {
	var (
		configPath    string
		defaultBranch string
		public        bool
	)

	cmd := &cobra.Command{
		Use:   "init <owner> <name>",
		Short: "Create a repository namespace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.DataDir == "" {
				return fmt.Errorf("init requires data_dir in config; memory repositories vanish with the process")
			}

			manager, err := repo.NewFileManager(cfg.DataDir)
			if err != nil {
				return err
			}

			visibility := repo.VisibilityPrivate
			if public {
				visibility = repo.VisibilityPublic
			}
			created, err := manager.Create(args[0], args[1], repo.CreateOptions{
				DefaultBranch: defaultBranch,
				Visibility:    visibility,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created %s (id %s, default branch %s, %s)\n",
				created.Path(), created.ID, created.DefaultBranch, created.Visibility)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to gutsd.toml")
	cmd.Flags().StringVar(&defaultBranch, "default-branch", repo.DefaultBranch, "initial default branch name")
	cmd.Flags().BoolVar(&public, "public", false, "create a public repository")
	return cmd
}
