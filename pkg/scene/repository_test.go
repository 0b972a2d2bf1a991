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
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/scenestore/pkg/storage"
)

const (
	idA = "1111111111111111"
	idB = "2222222222222222"
	idC = "3333333333333333"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func newMemoryStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	return s
}

// sequence returns the given ids in order, repeating the last one.
func sequence(ids ...string) func() string {
	var (
		mu sync.Mutex
		i  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[min(i, len(ids)-1)]
		i++
		return id
	}
}

func fixedClock() time.Time {
	return time.Date(2025, 3, 4, 5, 6, 7, 89_000_000, time.UTC)
}

// faultStore fails selected operations of an otherwise working store.
type faultStore struct {
	storage.Storage
	failSet    func(key string) bool
	failDelete func(key string) bool
	failList   bool
}

var errInjected = errors.New("injected failure")

func (f *faultStore) Set(ctx context.Context, ns storage.Namespace, key string, value []byte) error {
	if f.failSet != nil && f.failSet(key) {
		return fmt.Errorf("%w: %w", storage.ErrWrite, errInjected)
	}
	return f.Storage.Set(ctx, ns, key, value)
}

func (f *faultStore) Delete(ctx context.Context, ns storage.Namespace, key string) (bool, error) {
	if f.failDelete != nil && f.failDelete(key) {
		return false, fmt.Errorf("%w: %w", storage.ErrWrite, errInjected)
	}
	return f.Storage.Delete(ctx, ns, key)
}

func (f *faultStore) ListKeys(ctx context.Context, ns storage.Namespace) ([]string, error) {
	if f.failList {
		return nil, fmt.Errorf("%w: %w", storage.ErrRead, errInjected)
	}
	return f.Storage.ListKeys(ctx, ns)
}

func TestCreateRoundTrip(t *testing.T) {
	ctx := context.Background()
	backends := []struct {
		name string
		open func(t *testing.T) storage.Storage
	}{
		{"memory", newMemoryStore},
		{"filesystem", func(t *testing.T) storage.Storage {
			s, err := storage.NewFileStorage(t.TempDir())
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) storage.Storage {
			s, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "local-db.sqlite"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			repo := NewRepository(b.open(t), WithClock(fixedClock))
			res, err := repo.Create(ctx, CreateRequest{
				Data:     pngBytes,
				Username: "a b/c",
				UserID:   "u-42",
				FileType: "image/png",
			})
			require.NoError(t, err)

			got, ok, err := repo.Get(ctx, res.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, pngBytes, got.Data)
			assert.Equal(t, res.Metadata, got.Metadata)
			assert.Equal(t, "a_b_c", got.Metadata.Username)
		})
	}
}

func TestCreateValidation(t *testing.T) {
	testCases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing username", CreateRequest{Data: pngBytes}},
		{"blank username", CreateRequest{Data: pngBytes, Username: "   "}},
		{"missing data", CreateRequest{Username: "alice"}},
		{"empty data", CreateRequest{Username: "alice", Data: []byte{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemoryStore(t)
			_, err := NewRepository(store).Create(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrValidation)

			keys, err := store.ListKeys(context.Background(), storage.NamespaceScenes)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestSanitizeUsername(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"a b/c", "a_b_c"},
		{"alice_01-x", "alice_01-x"},
		{"../etc", "___etc"},
		{"José", "Jos_"},
		{"x.y@z", "x_y_z"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, SanitizeUsername(tc.in), "input %q", tc.in)
	}
}

func TestCreateMetadata(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	repo := NewRepository(store, WithClock(fixedClock), WithIDGenerator(sequence(idA)))

	res, err := repo.Create(ctx, CreateRequest{Data: pngBytes, Username: " bob "})
	require.NoError(t, err)
	assert.Equal(t, Metadata{
		ID:        idA,
		Username:  "_bob_",
		UserID:    DefaultUserID,
		FileType:  DefaultFileType,
		CreatedAt: "2025-03-04T05:06:07.089Z",
	}, res.Metadata)

	raw, ok, err := store.Get(ctx, storage.NamespaceScenes, idA+"-meta")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), "\n  \"userID\": \"unknown\"")

	var doc map[string]string
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, map[string]string{
		"id":        idA,
		"username":  "_bob_",
		"userID":    "unknown",
		"fileType":  "application/octet-stream",
		"createdAt": "2025-03-04T05:06:07.089Z",
	}, doc)

	data, ok, err := store.Get(ctx, storage.NamespaceScenes, idA+"-data")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pngBytes, data)
}

func TestCreateUniqueIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newMemoryStore(t))
	digits := regexp.MustCompile(`^[0-9]{16}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		res, err := repo.Create(ctx, CreateRequest{Data: []byte{byte(i)}, Username: "u"})
		require.NoError(t, err)
		assert.Regexp(t, digits, res.ID)
		_, dup := seen[res.ID]
		require.False(t, dup, "duplicate id %s", res.ID)
		seen[res.ID] = struct{}{}
	}
}

func TestCreateRetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idA+"-data", []byte("existing")))

	repo := NewRepository(store, WithIDGenerator(sequence(idA, idB)))
	res, err := repo.Create(ctx, CreateRequest{Data: pngBytes, Username: "u"})
	require.NoError(t, err)
	assert.Equal(t, idB, res.ID)

	existing, _, err := store.Get(ctx, storage.NamespaceScenes, idA+"-data")
	require.NoError(t, err)
	assert.Equal(t, []byte("existing"), existing)
}

func TestCreateIdentifierExhausted(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idA+"-data", []byte("existing")))

	var calls atomic.Int32
	gen := func() string {
		calls.Add(1)
		return idA
	}
	repo := NewRepository(store, WithIDGenerator(gen), WithMaxAttempts(3))
	_, err := repo.Create(ctx, CreateRequest{Data: pngBytes, Username: "u"})
	assert.ErrorIs(t, err, ErrIdentifierExhausted)
	assert.Equal(t, int32(3), calls.Load())
}

// barrierStore holds the first n Get calls until all of them arrived, so
// concurrent creates pass their collision check before either reserves.
type barrierStore struct {
	storage.Storage
	pending atomic.Int32
	arrived sync.WaitGroup
}

func newBarrierStore(inner storage.Storage, n int) *barrierStore {
	b := &barrierStore{Storage: inner}
	b.pending.Store(int32(n))
	b.arrived.Add(n)
	return b
}

func (b *barrierStore) Get(ctx context.Context, ns storage.Namespace, key string) ([]byte, bool, error) {
	v, ok, err := b.Storage.Get(ctx, ns, key)
	if b.pending.Add(-1) >= 0 {
		b.arrived.Done()
		b.arrived.Wait()
	}
	return v, ok, err
}

func TestConcurrentCreateWithCollidingIDs(t *testing.T) {
	ctx := context.Background()
	store := newBarrierStore(newMemoryStore(t), 2)
	repo := NewRepository(store, WithIDGenerator(sequence(idA, idA, idB)))

	var (
		wg      sync.WaitGroup
		results [2]*CreateResult
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = repo.Create(ctx, CreateRequest{
				Data:     []byte(fmt.Sprintf("image-%d", i)),
				Username: fmt.Sprintf("user%d", i),
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []string{idA, idB}, []string{results[0].ID, results[1].ID})

	for i, res := range results {
		got, ok, err := repo.Get(ctx, res.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte(fmt.Sprintf("image-%d", i)), got.Data)
		assert.Equal(t, fmt.Sprintf("user%d", i), got.Metadata.Username)
	}
}

func TestCreateMetadataFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	inner := newMemoryStore(t)
	store := &faultStore{
		Storage: inner,
		failSet: func(key string) bool { return strings.HasSuffix(key, "-meta") },
	}
	repo := NewRepository(store, WithIDGenerator(sequence(idA)))

	_, err := repo.Create(ctx, CreateRequest{Data: pngBytes, Username: "u"})
	assert.ErrorIs(t, err, storage.ErrWrite)
	assert.ErrorIs(t, err, errInjected)

	keys, err := inner.ListKeys(ctx, storage.NamespaceScenes)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestGetOrphansAreAbsent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idA+"-data", pngBytes))
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idB+"-meta", []byte(`{"id":"`+idB+`"}`)))
	repo := NewRepository(store)

	for _, id := range []string{idA, idB} {
		got, ok, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	}

	var listed []*Scene
	for s, err := range repo.List(ctx) {
		require.NoError(t, err)
		listed = append(listed, s)
	}
	assert.Empty(t, listed)

	orphans, err := repo.Orphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{idA, idB}, orphans)
}

func TestGetMalformedMetadata(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idA+"-data", pngBytes))
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idA+"-meta", []byte("not json")))
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idB+"-data", pngBytes))
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idB+"-meta", []byte(`{"id":"`+idC+`"}`)))
	repo := NewRepository(store)

	for _, id := range []string{idA, idB} {
		_, ok, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "id %s", id)
	}
}

func TestGetUnknownIDs(t *testing.T) {
	repo := NewRepository(newMemoryStore(t))
	for _, id := range []string{idA, "", "../secret", "a/b"} {
		got, ok, err := repo.Get(context.Background(), id)
		require.NoError(t, err, "id %q", id)
		assert.False(t, ok)
		assert.Nil(t, got)
	}
}

func TestGetPropagatesStorageErrors(t *testing.T) {
	store, err := storage.NewMemoryStorage(storage.NamespaceRooms)
	require.NoError(t, err)
	repo := NewRepository(store)

	_, _, err = repo.Get(context.Background(), idA)
	assert.ErrorIs(t, err, storage.ErrUnknownNamespace)
}

func TestListInIDOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	repo := NewRepository(store, WithIDGenerator(sequence(idC, idA, idB)))
	for _, name := range []string{"carol", "alice", "bob"} {
		_, err := repo.Create(ctx, CreateRequest{Data: []byte(name), Username: name})
		require.NoError(t, err)
	}
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, "0000000000000000-data", pngBytes))
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, "stray", pngBytes))

	var ids, users []string
	for s, err := range repo.List(ctx) {
		require.NoError(t, err)
		ids = append(ids, s.ID)
		users = append(users, s.Metadata.Username)
		assert.Equal(t, []byte(s.Metadata.Username), s.Data)
	}
	assert.Equal(t, []string{idA, idB, idC}, ids)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)
}

func TestListStopsWhenConsumerBreaks(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newMemoryStore(t), WithIDGenerator(sequence(idA, idB, idC)))
	for i := 0; i < 3; i++ {
		_, err := repo.Create(ctx, CreateRequest{Data: pngBytes, Username: "u"})
		require.NoError(t, err)
	}

	var seen int
	for range repo.List(ctx) {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestListYieldsStorageFailure(t *testing.T) {
	repo := NewRepository(&faultStore{Storage: newMemoryStore(t), failList: true})

	var errs []error
	for s, err := range repo.List(context.Background()) {
		assert.Nil(t, s)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], storage.ErrRead)

	_, err := repo.Orphans(context.Background())
	assert.ErrorIs(t, err, storage.ErrRead)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	repo := NewRepository(store, WithIDGenerator(sequence(idA)))
	_, err := repo.Create(ctx, CreateRequest{Data: pngBytes, Username: "u"})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, storage.NamespaceScenes, idB+"-data", pngBytes))

	testCases := []struct {
		name string
		id   string
		want bool
	}{
		{"complete scene", idA, true},
		{"already deleted", idA, false},
		{"orphaned data", idB, true},
		{"never existed", idC, false},
		{"invalid id", "../x", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			existed, err := repo.Delete(ctx, tc.id)
			require.NoError(t, err)
			assert.Equal(t, tc.want, existed)
		})
	}

	keys, err := store.ListKeys(ctx, storage.NamespaceScenes)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDeleteAttemptsBothHalves(t *testing.T) {
	ctx := context.Background()
	inner := newMemoryStore(t)
	store := &faultStore{
		Storage:    inner,
		failDelete: func(key string) bool { return strings.HasSuffix(key, "-meta") },
	}
	repo := NewRepository(store, WithIDGenerator(sequence(idA)))
	_, err := repo.Create(ctx, CreateRequest{Data: pngBytes, Username: "u"})
	require.NoError(t, err)

	existed, err := repo.Delete(ctx, idA)
	assert.True(t, existed)
	assert.ErrorIs(t, err, errInjected)

	_, ok, err := inner.Get(ctx, storage.NamespaceScenes, idA+"-data")
	require.NoError(t, err)
	assert.False(t, ok)

	orphans, err := repo.Orphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{idA}, orphans)
}

func TestRepositoryNamespace(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewMemoryStorage(storage.NamespaceScenes, storage.NamespaceRooms)
	require.NoError(t, err)

	rooms := NewRepository(store, WithNamespace(storage.NamespaceRooms), WithIDGenerator(sequence(idA)))
	_, err = rooms.Create(ctx, CreateRequest{Data: pngBytes, Username: "u"})
	require.NoError(t, err)

	_, ok, err := NewRepository(store).Get(ctx, idA)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = rooms.Get(ctx, idA)
	require.NoError(t, err)
	assert.True(t, ok)
}
