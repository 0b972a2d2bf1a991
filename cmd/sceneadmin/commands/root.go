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

// Package commands implements the sceneadmin CLI, an offline maintenance
// tool that talks to a scene store directly instead of through the server.
package commands

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fawa-io/scenestore/pkg/scene"
	"github.com/fawa-io/scenestore/pkg/storage"
)

const defaultStorageURI = "sqlite://local-db.sqlite"

type globalOptions struct {
	storageURI string
	namespace  string
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "sceneadmin",
		Short: "Inspect and maintain a scene store",
		Long: `sceneadmin opens the configured storage backend directly and lists,
exports or deletes scenes. It also reports and purges orphaned halves left
behind by interrupted writes.

Examples:
  # List scenes in the default SQLite database
  sceneadmin list

  # Export every scene from a Redis store
  sceneadmin export --storage redis://localhost:6379/0 -o scenes.zip`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.storageURI, "storage", envOr("SCENESTORE_STORAGEURI", defaultStorageURI), "Storage backend URI")
	cmd.PersistentFlags().StringVar(&opts.namespace, "namespace", string(storage.NamespaceScenes), "Namespace holding the scenes")

	cmd.AddCommand(
		newListCmd(opts),
		newExportCmd(opts),
		newDeleteCmd(opts),
		newOrphansCmd(opts),
	)
	return cmd
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// open returns a repository over the configured store. The caller closes the
// returned store.
func (o *globalOptions) open(ctx context.Context) (*scene.Repository, storage.Storage, error) {
	ns := storage.Namespace(strings.ToUpper(strings.TrimSpace(o.namespace)))
	store, err := storage.Open(ctx, o.storageURI, ns)
	if err != nil {
		return nil, nil, err
	}
	return scene.NewRepository(store, scene.WithNamespace(ns)), store, nil
}
