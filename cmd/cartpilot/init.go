package main

import (
	"fmt"
	"os"
	"path/filepath"

	"cartpilot/internal/config"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .cartpilot workspace with template config and selectors",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	root := workspaceDir
	if len(args) == 1 {
		root = args[0]
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		root = cwd
	}
	if err := config.InitWorkspace(root); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", filepath.Join(root, config.WorkspaceDirName))
	return nil
}
