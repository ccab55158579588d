package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/export"
)

var exportTarget string

var exportCmd = &cobra.Command{
	Use:   "export <file>...",
	Short: "Copy captured files to the export target",
	Long: `Copies each file to the configured export target (user@host:/path over
scp, or a local directory). Every file is attempted; the command fails if
any transfer failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportTarget, "target", "", "override export.target")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	target := cfg.Export.Target
	if exportTarget != "" {
		target = exportTarget
	}
	exp := export.New(target, cfg.ExportTimeout())
	if exp == nil {
		return fmt.Errorf("no export target: set export.target or --target")
	}

	var errs []error
	for _, path := range args {
		if err := exp.Export(context.Background(), path); err != nil {
			cmd.Printf("%s: %v\n", path, err)
			errs = append(errs, err)
			continue
		}
		cmd.Printf("%s: exported\n", path)
	}
	return errors.Join(errs...)
}
