// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fawa-io/scenestore/pkg/fwlog"
	"github.com/fawa-io/scenestore/pkg/scene"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored scenes in id order",
		Long: `List every complete scene. Orphaned halves are skipped.

Output Formats:
  default - table with ID, Username, Type, Size and Created
  jsonl   - one metadata document per line`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "default" && output != "jsonl" {
				return fmt.Errorf("unknown output format %q", output)
			}
			ctx := cmd.Context()
			repo, store, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if output == "jsonl" {
				enc := json.NewEncoder(out)
				for s, err := range repo.List(ctx) {
					if err != nil {
						return err
					}
					if err := enc.Encode(s.Metadata); err != nil {
						return err
					}
				}
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSERNAME\tTYPE\tSIZE\tCREATED")
			for s, err := range repo.List(ctx) {
				if err != nil {
					return err
				}
				m := s.Metadata
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Username, m.FileType, len(s.Data), m.CreatedAt)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default or jsonl")
	return cmd
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every scene into a zip archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, store, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if path == "-" {
				_, err := repo.WriteArchive(ctx, cmd.OutOrStdout())
				return err
			}

			archive, err := repo.ExportArchive(ctx)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, archive, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s (%d bytes)\n", path, len(archive))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "output", "o", "scenes.zip", "Archive path, - for stdout")
	return cmd
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete scenes by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, store, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var errs []error
			for _, id := range args {
				existed, err := repo.Delete(ctx, id)
				switch {
				case err != nil:
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
				case existed:
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				default:
					errs = append(errs, fmt.Errorf("%s: not found", id))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func newOrphansCmd(opts *globalOptions) *cobra.Command {
	var (
		purge bool
		grace time.Duration
	)
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Report ids that have only one of their two halves",
		Long: `Report ids whose data or metadata half is missing. Orphans appear when a
write is interrupted between its two halves; readers already treat them as
absent.

Use --purge to delete them. A create in progress also looks like an orphan
until its metadata is written, so purge scans twice, --grace apart, and only
deletes ids that were orphaned both times. Prefer running it while no server
is writing to the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, store, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if !purge {
				ids, err := repo.Orphans(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			ids, err := settledOrphans(ctx, repo, sleep(grace))
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := repo.Delete(ctx, id); err != nil {
					return fmt.Errorf("purge %s: %w", id, err)
				}
				fmt.Fprintf(out, "purged %s\n", id)
			}
			fwlog.Infof("Purged %d orphaned scenes", len(ids))
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Delete the orphaned halves")
	cmd.Flags().DurationVar(&grace, "grace", 30*time.Second, "Wait between the two purge scans")
	return cmd
}

// settledOrphans returns the ids orphaned both before and after wait, which
// leaves alone creates that finish in the meantime.
func settledOrphans(ctx context.Context, repo *scene.Repository, wait func(context.Context) error) ([]string, error) {
	first, err := repo.Orphans(ctx)
	if err != nil || len(first) == 0 {
		return nil, err
	}
	if err := wait(ctx); err != nil {
		return nil, err
	}
	second, err := repo.Orphans(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range second {
		if slices.Contains(first, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func sleep(d time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}
