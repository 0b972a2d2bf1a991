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

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fawa-io/scenestore/pkg/fwlog"
	"github.com/fawa-io/scenestore/pkg/util"
)

const (
	tempPrefix = ".tmp-"
	fileMode   = 0o644
)

// FileStorage keeps one directory per namespace and one file per key.
// Values are written to a dot-prefixed temp file first and then renamed
// (or hard-linked, for SetIfAbsent) into place.
type FileStorage struct {
	root       string
	namespaces namespaces
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage creates root and every namespace directory below it.
func NewFileStorage(root string, nss ...Namespace) (*FileStorage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	set, err := newNamespaces(nss)
	if err != nil {
		return nil, err
	}
	root = filepath.Clean(root)
	for _, ns := range set.list() {
		dir := filepath.Join(root, string(ns))
		if util.Exist(dir) {
			continue
		}
		if err := util.CreateDir(dir); err != nil {
			return nil, fmt.Errorf("create namespace dir %s: %w", dir, err)
		}
		fwlog.Infof("Created storage directory: %s", dir)
	}
	return &FileStorage{root: root, namespaces: set}, nil
}

func (f *FileStorage) dir(ns Namespace) string {
	return filepath.Join(f.root, string(ns))
}

func (f *FileStorage) path(ns Namespace, key string) string {
	return filepath.Join(f.root, string(ns), key)
}

// writeTemp writes value to a fresh temp file in the namespace directory and
// syncs it, so the subsequent rename or link publishes complete content.
func (f *FileStorage) writeTemp(ns Namespace, value []byte) (name string, err error) {
	name = filepath.Join(f.dir(ns), tempPrefix+uuid.NewString())
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(name)
		}
	}()
	if _, err = file.Write(value); err != nil {
		return name, err
	}
	err = file.Sync()
	return name, err
}

func (f *FileStorage) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.namespaces.guard(ns, key); err != nil {
		return err
	}
	tmp, err := f.writeTemp(ns, value)
	if err != nil {
		return writeErr("set", ns, key, err)
	}
	if err := os.Rename(tmp, f.path(ns, key)); err != nil {
		_ = os.Remove(tmp)
		return writeErr("set", ns, key, err)
	}
	fwlog.Debugf("File saved: %s", f.path(ns, key))
	return nil
}

func (f *FileStorage) SetIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := f.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	tmp, err := f.writeTemp(ns, value)
	if err != nil {
		return false, writeErr("set-if-absent", ns, key, err)
	}
	defer func() { _ = os.Remove(tmp) }()

	// link fails with EEXIST instead of replacing, which makes it the
	// atomic create-only primitive that rename is not
	if err := os.Link(tmp, f.path(ns, key)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, writeErr("set-if-absent", ns, key, err)
	}
	return true, nil
}

func (f *FileStorage) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := f.namespaces.guard(ns, key); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(f.path(ns, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, readErr("get", ns, key, err)
	}
	return data, true, nil
}

// ListKeys returns the regular files of the namespace directory, skipping
// temp files and anything else this store did not write.
func (f *FileStorage) ListKeys(ctx context.Context, ns Namespace) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.namespaces.check(ns); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir(ns))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, readErr("list", ns, "*", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || ValidateKey(name) != nil {
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}

func (f *FileStorage) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := f.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	if err := os.Remove(f.path(ns, key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, writeErr("delete", ns, key, err)
	}
	fwlog.Debugf("Deleted file: %s", f.path(ns, key))
	return true, nil
}

// Close is a no-op; files are closed after every operation.
func (f *FileStorage) Close() error {
	return nil
}
