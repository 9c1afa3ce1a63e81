package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"spacesync/internal/filestore"
	"spacesync/internal/layers"
)

func (a *app) fileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Store and read files in a space's content-addressed file store",
	}
	cmd.AddCommand(a.filePutCmd(), a.fileGetCmd(), a.fileListCmd())
	return cmd
}

func (a *app) fileStore(cmd *cobra.Command, spaceID string) (*filestore.Store, error) {
	p, err := layers.FileProvider(cmd.Context(), a.cfg.Files, spaceID)
	if err != nil {
		return nil, err
	}
	return filestore.New(p, filestore.WithLogger(a.logger))
}

func (a *app) filePutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <space-id> <path>",
		Short: "Store a file and print its sha256 hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := a.fileStore(cmd, args[0])
			if err != nil {
				return err
			}
			b, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}
			res, err := fs.PutBytes(cmd.Context(), b)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
}

func (a *app) fileGetCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <space-id> <hash>",
		Short: "Write a stored file to stdout or --output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := a.fileStore(cmd, args[0])
			if err != nil {
				return err
			}
			b, err := fs.GetBytes(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return os.WriteFile(output, b, 0o600)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func (a *app) fileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <space-id>",
		Short: "List the hashes of stored files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := a.fileStore(cmd, args[0])
			if err != nil {
				return err
			}
			hashes, err := fs.Hashes(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(hashes)
		},
	}
}
