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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fawa-io/scenestore/pkg/config"
	"github.com/fawa-io/scenestore/pkg/cors"
	"github.com/fawa-io/scenestore/pkg/fwlog"
	scenepkg "github.com/fawa-io/scenestore/pkg/scene"
	"github.com/fawa-io/scenestore/pkg/storage"
	"github.com/fawa-io/scenestore/pkg/util"
	"github.com/fawa-io/scenestore/service/scene"
)

// setup opens the configured store and returns the routed, CORS-wrapped
// handler serving scenes from cfg.SceneNamespace. The caller closes the store.
func setup(ctx context.Context, cfg config.Config) (http.Handler, storage.Storage, error) {
	namespaces := make([]storage.Namespace, 0, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		namespaces = append(namespaces, storage.Namespace(ns))
	}
	store, err := storage.Open(ctx, cfg.StorageURI, namespaces...)
	if err != nil {
		return nil, nil, err
	}

	repo := scenepkg.NewRepository(store, scenepkg.WithNamespace(storage.Namespace(cfg.SceneNamespace)))
	sceneSvcHdr := scene.NewSceneServiceHandler(repo, cfg.MaxUploadBytes)

	// Register all handlers
	mux := http.NewServeMux()
	mux.Handle(scene.NewConnectHandler(sceneSvcHdr))
	sceneSvcHdr.RegisterRoutes(mux, cfg.GlobalPrefix)
	return cors.NewCORS(cfg.AllowedOrigins...).Handler(mux), store, nil
}

func main() {
	if err := config.InitConfig(); err != nil {
		fwlog.Fatalf("Failed to initialize configuration: %v", err)
	}
	cfg := config.Get()
	fwlog.SetLevel(cfg.Level())

	// Open the store and create every namespace before serving.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	handler, store, err := setup(ctx, cfg)
	cancel()
	if err != nil {
		fwlog.Fatalf("Failed to open storage %q: %v", cfg.StorageURI, err)
	}
	fwlog.Infof("Storage ready: %s namespaces=%v scenes=%s", cfg.StorageURI, cfg.Namespaces, cfg.SceneNamespace)

	useTLS := cfg.CertFile != "" && cfg.KeyFile != "" && util.FileExist(cfg.CertFile) && util.FileExist(cfg.KeyFile)
	if !useTLS {
		// HTTP/2 without TLS for gRPC-compatible clients
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	sceneSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fwlog.Info("Shutting down server...")

		// Set timeout for HTTP server shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := sceneSrv.Shutdown(ctx); err != nil {
			fwlog.Errorf("Server shutdown error: %v", err)
		}
		if err := store.Close(); err != nil {
			fwlog.Errorf("Error closing storage: %v", err)
		}

		fwlog.Info("Server shutdown complete")
	}()

	if useTLS {
		fwlog.Infof("Server starting on %v (TLS)", cfg.Addr)
		err = sceneSrv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		fwlog.Infof("Server starting on %v", cfg.Addr)
		err = sceneSrv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		fwlog.Fatalf("Failed to start server: %v", err)
	}
	<-done
}
