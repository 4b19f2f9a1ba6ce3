package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/lead-enricher/internal/server"
)

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit [contact-id...]",
		Short: "Create a job for the given contacts",
		Long: `Creates one enrichment job. Contact IDs come from the arguments and,
with --file, from a file holding one ID per line ("-" reads stdin). The
submission report is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readContactIDs(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				ids = append(ids, fromFile...)
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, app *server.App) error {
				report, err := app.Submitter().Submit(ctx, ids)
				if err != nil {
					return fmt.Errorf("submit: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one contact ID per line (\"-\" for stdin)")
	return cmd
}

// readContactIDs returns the non-blank, non-comment lines of path.
func readContactIDs(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open contact file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read contact file: %w", err)
	}
	return ids, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
