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

// Package storage is a namespaced key/value byte store with interchangeable
// backends: a directory per namespace on disk, an embedded SQLite database,
// PostgreSQL, Redis/Dragonfly, MinIO/S3 and an in-process map.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Namespace is a fixed logical partition of the store.
type Namespace string

const (
	NamespaceScenes Namespace = "SCENES"
	NamespaceRooms  Namespace = "ROOMS"
	NamespaceFiles  Namespace = "FILES"
)

// DefaultNamespaces is used when a backend is opened without an explicit set.
var DefaultNamespaces = []Namespace{NamespaceScenes}

const maxKeyLen = 200

var (
	// ErrRead wraps every backend failure while reading or listing.
	ErrRead = errors.New("storage read failed")
	// ErrWrite wraps every backend failure while writing or deleting.
	ErrWrite = errors.New("storage write failed")
	// ErrUnknownNamespace is returned for a namespace the store was not opened with.
	ErrUnknownNamespace = errors.New("unknown namespace")
	// ErrInvalidKey is returned for keys no backend can represent safely.
	ErrInvalidKey = errors.New("invalid key")
	// ErrUnsupportedURI is returned by Open for an unrecognised connection string.
	ErrUnsupportedURI = errors.New("unsupported storage uri")
)

// Storage defines the contract every backend satisfies. Single-key writes
// are atomic: a reader never observes a partially written value.
type Storage interface {
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, ns Namespace, key string, value []byte) error

	// SetIfAbsent stores value only when key does not exist yet and reports
	// whether it did. Concurrent callers racing on one key see exactly one true.
	SetIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) (bool, error)

	// Get returns the value and true, or nil and false when key is absent.
	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error)

	// ListKeys returns every key in the namespace in no particular order.
	ListKeys(ctx context.Context, ns Namespace) ([]string, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, ns Namespace, key string) (bool, error)

	// Close releases backend resources.
	Close() error
}

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// namespaces is the immutable set a backend was opened with.
type namespaces map[Namespace]struct{}

func newNamespaces(list []Namespace) (namespaces, error) {
	if len(list) == 0 {
		list = DefaultNamespaces
	}
	set := make(namespaces, len(list))
	for _, ns := range list {
		if !namespacePattern.MatchString(string(ns)) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
		}
		set[ns] = struct{}{}
	}
	return set, nil
}

func (s namespaces) list() []Namespace {
	out := make([]Namespace, 0, len(s))
	for ns := range s {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s namespaces) check(ns Namespace) error {
	if _, ok := s[ns]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	return nil
}

// guard validates the namespace and key of a single-key operation.
func (s namespaces) guard(ns Namespace, key string) error {
	if err := s.check(ns); err != nil {
		return err
	}
	return ValidateKey(key)
}

// ValidateKey reports whether key is representable by every backend. Keys
// may not contain path separators or NUL, and may not start with a dot,
// which backends reserve for their own temporary entries.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > maxKeyLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, maxKeyLen)
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidKey, key)
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidKey, key)
	}
	return nil
}

func readErr(op string, ns Namespace, key string, err error) error {
	return fmt.Errorf("%w: %s %s/%s: %w", ErrRead, op, ns, key, err)
}

func writeErr(op string, ns Namespace, key string, err error) error {
	return fmt.Errorf("%w: %s %s/%s: %w", ErrWrite, op, ns, key, err)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
