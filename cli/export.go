// ABOUTME: export and import commands for the portable JSON contact file
// ABOUTME: Export writes to stdout unless --file is given
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newExportCommand(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every reconciled contact as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, store, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var w io.Writer = cmd.OutOrStdout()
			if file != "" {
				f, err := os.Create(file)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", file, err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			n, err := engine.Export(cmd.Context(), w)
			if err != nil {
				return err
			}
			a.logger.Info().Int("contacts", n).Str("file", file).Msg("export finished")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "output file (default stdout)")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Merge contacts from a JSON export into the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", file, err)
			}
			defer func() { _ = f.Close() }()

			engine, store, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			res, err := engine.Import(cmd.Context(), f)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d created, %d merged, %d skipped\n",
				okStyle.Render("✓"), res.Created, res.Merged, res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file written by export")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
