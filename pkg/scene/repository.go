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

package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fawa-io/scenestore/pkg/fwlog"
	"github.com/fawa-io/scenestore/pkg/storage"
	"github.com/fawa-io/scenestore/pkg/util"
)

// Repository creates, reads, lists, exports and deletes scenes on top of a
// storage.Storage. It holds no locks; per-key atomicity comes from the
// backend.
type Repository struct {
	store       storage.Storage
	ns          storage.Namespace
	newID       func() string
	maxAttempts int
	now         func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithNamespace selects the namespace scenes are stored in. An empty name
// keeps the default.
func WithNamespace(ns storage.Namespace) Option {
	return func(r *Repository) {
		if ns != "" {
			r.ns = ns
		}
	}
}

// WithIDGenerator replaces the random 16-digit id source.
func WithIDGenerator(gen func() string) Option {
	return func(r *Repository) { r.newID = gen }
}

// WithMaxAttempts sets how many candidate ids Create tries.
func WithMaxAttempts(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now for createdAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository returns a Repository over store.
func NewRepository(store storage.Storage, opts ...Option) *Repository {
	r := &Repository{
		store:       store,
		ns:          storage.NamespaceScenes,
		newID:       func() string { return util.RandomDigits(IDLength) },
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores a new scene and returns its id and metadata.
func (r *Repository) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if strings.TrimSpace(req.Username) == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: image data is required", ErrValidation)
	}

	id, err := r.reserve(ctx, req.Data)
	if err != nil {
		return nil, err
	}

	meta := Metadata{
		ID:        id,
		Username:  SanitizeUsername(req.Username),
		UserID:    strings.TrimSpace(req.UserID),
		FileType:  strings.TrimSpace(req.FileType),
		CreatedAt: r.now().UTC().Format(createdAtLayout),
	}
	if meta.UserID == "" {
		meta.UserID = DefaultUserID
	}
	if meta.FileType == "" {
		meta.FileType = DefaultFileType
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		r.rollback(ctx, id)
		return nil, fmt.Errorf("encode scene %s metadata: %w", id, err)
	}
	if err := r.store.Set(ctx, r.ns, metaKey(id), raw); err != nil {
		r.rollback(ctx, id)
		return nil, fmt.Errorf("save scene %s metadata: %w", id, err)
	}

	fwlog.Infof("Scene created: id=%s username=%s size=%d", id, meta.Username, len(req.Data))
	return &CreateResult{ID: id, Metadata: meta}, nil
}

// reserve picks an unused id and claims it by writing the data half.
func (r *Repository) reserve(ctx context.Context, data []byte) (string, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		id := r.newID()
		_, exists, err := r.store.Get(ctx, r.ns, dataKey(id))
		if err != nil {
			return "", fmt.Errorf("check scene id %s: %w", id, err)
		}
		if exists {
			fwlog.Debugf("Scene id collision on attempt %d: %s", attempt, id)
			continue
		}
		ok, err := r.store.SetIfAbsent(ctx, r.ns, dataKey(id), data)
		if err != nil {
			return "", fmt.Errorf("save scene %s data: %w", id, err)
		}
		if ok {
			return id, nil
		}
		fwlog.Debugf("Scene id taken concurrently on attempt %d: %s", attempt, id)
	}
	return "", fmt.Errorf("%w after %d attempts", ErrIdentifierExhausted, r.maxAttempts)
}

// rollback removes a reserved data half after the metadata write failed.
// It runs even when ctx is already canceled.
func (r *Repository) rollback(ctx context.Context, id string) {
	if _, err := r.store.Delete(context.WithoutCancel(ctx), r.ns, dataKey(id)); err != nil {
		fwlog.Warnf("Failed to remove orphaned data for scene %s: %v", id, err)
	}
}

// Get returns the scene with id. A scene missing either half, or with
// unreadable metadata, is reported as absent.
func (r *Repository) Get(ctx context.Context, id string) (*Scene, bool, error) {
	if storage.ValidateKey(dataKey(id)) != nil {
		return nil, false, nil
	}
	return r.fetch(ctx, id)
}

func (r *Repository) fetch(ctx context.Context, id string) (*Scene, bool, error) {
	var (
		data, raw        []byte
		hasData, hasMeta bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		data, hasData, err = r.store.Get(gctx, r.ns, dataKey(id))
		return err
	})
	g.Go(func() (err error) {
		raw, hasMeta, err = r.store.Get(gctx, r.ns, metaKey(id))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, false, fmt.Errorf("read scene %s: %w", id, err)
	}
	if !hasData || !hasMeta {
		fwlog.Debugf("Scene %s is incomplete (data=%v meta=%v)", id, hasData, hasMeta)
		return nil, false, nil
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		fwlog.Warnf("Skipping scene %s: malformed metadata: %v", id, err)
		return nil, false, nil
	}
	if meta.ID == "" {
		meta.ID = id
	}
	if meta.ID != id {
		fwlog.Warnf("Skipping scene %s: metadata belongs to %s", id, meta.ID)
		return nil, false, nil
	}
	return &Scene{ID: id, Data: data, Metadata: meta}, true, nil
}

// halves records which keys of a scene exist.
type halves struct {
	data, meta bool
}

func (r *Repository) index(ctx context.Context) (map[string]halves, error) {
	keys, err := r.store.ListKeys(ctx, r.ns)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	idx := make(map[string]halves, len(keys)/2)
	for _, key := range keys {
		if id, ok := strings.CutSuffix(key, dataSuffix); ok && id != "" {
			h := idx[id]
			h.data = true
			idx[id] = h
			continue
		}
		if id, ok := strings.CutSuffix(key, metaSuffix); ok && id != "" {
			h := idx[id]
			h.meta = true
			idx[id] = h
			continue
		}
		fwlog.Debugf("Ignoring key outside the scene layout: %s", key)
	}
	return idx, nil
}

// List yields every complete scene in id order. Keys are listed once when
// iteration starts and each scene is read as it is reached. Unpaired and
// malformed entries are logged and skipped; a storage failure is yielded
// once and ends the sequence.
func (r *Repository) List(ctx context.Context) iter.Seq2[*Scene, error] {
	return func(yield func(*Scene, error) bool) {
		idx, err := r.index(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		ids := make([]string, 0, len(idx))
		for id, h := range idx {
			if !h.data || !h.meta {
				fwlog.Warnf("Skipping orphaned scene %s (data=%v meta=%v)", id, h.data, h.meta)
				continue
			}
			ids = append(ids, id)
		}
		slices.Sort(ids)

		for _, id := range ids {
			s, ok, err := r.fetch(ctx, id)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(s, nil) {
				return
			}
		}
	}
}

// Delete removes both halves of a scene. Both deletes are attempted even
// if the first fails. It reports whether either half existed.
func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	if storage.ValidateKey(dataKey(id)) != nil {
		return false, nil
	}
	var (
		existed bool
		errs    []error
	)
	// metadata first, so the scene disappears before its data does
	for _, key := range []string{metaKey(id), dataKey(id)} {
		ok, err := r.store.Delete(ctx, r.ns, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		existed = existed || ok
	}
	if existed {
		fwlog.Infof("Scene deleted: id=%s", id)
	}
	return existed, errors.Join(errs...)
}

// Orphans returns, in order, the ids that have only one of their two keys.
func (r *Repository) Orphans(ctx context.Context) ([]string, error) {
	idx, err := r.index(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, h := range idx {
		if h.data != h.meta {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
