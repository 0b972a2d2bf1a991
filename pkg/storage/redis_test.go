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
	"reflect"
	"sort"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func newMockRedisStorage(t *testing.T) (*RedisStorage, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	s, err := newRedisStorage(client, "", NamespaceScenes)
	if err != nil {
		t.Fatalf("newRedisStorage() error = %v", err)
	}
	return s, mock
}

func TestRedisStorage_Set(t *testing.T) {
	s, mock := newMockRedisStorage(t)

	testCases := []struct {
		name    string
		key     string
		value   []byte
		mocker  func()
		wantErr error
	}{
		{
			name:  "success",
			key:   "1234567890123456-data",
			value: []byte("png"),
			mocker: func() {
				mock.ExpectSet("scenestore:SCENES:1234567890123456-data", []byte("png"), 0).SetVal("OK")
			},
		},
		{
			name:  "redis error",
			key:   "error-key",
			value: []byte("x"),
			mocker: func() {
				mock.ExpectSet("scenestore:SCENES:error-key", []byte("x"), 0).SetErr(errors.New("redis error"))
			},
			wantErr: ErrWrite,
		},
		{
			name:    "invalid key",
			key:     "a/b",
			value:   []byte("x"),
			mocker:  func() {},
			wantErr: ErrInvalidKey,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.mocker()
			err := s.Set(context.Background(), NamespaceScenes, tc.key, tc.value)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Set() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("there were unfulfilled expectations: %s", err)
			}
		})
	}
}

func TestRedisStorage_SetIfAbsent(t *testing.T) {
	s, mock := newMockRedisStorage(t)

	testCases := []struct {
		name    string
		mocker  func()
		want    bool
		wantErr error
	}{
		{
			name: "created",
			mocker: func() {
				mock.ExpectSetNX("scenestore:SCENES:k", []byte("v"), 0).SetVal(true)
			},
			want: true,
		},
		{
			name: "already exists",
			mocker: func() {
				mock.ExpectSetNX("scenestore:SCENES:k", []byte("v"), 0).SetVal(false)
			},
			want: false,
		},
		{
			name: "redis error",
			mocker: func() {
				mock.ExpectSetNX("scenestore:SCENES:k", []byte("v"), 0).SetErr(errors.New("connection reset"))
			},
			wantErr: ErrWrite,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.mocker()
			got, err := s.SetIfAbsent(context.Background(), NamespaceScenes, "k", []byte("v"))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("SetIfAbsent() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("SetIfAbsent() got = %v, want %v", got, tc.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("there were unfulfilled expectations: %s", err)
			}
		})
	}
}

func TestRedisStorage_Get(t *testing.T) {
	s, mock := newMockRedisStorage(t)

	testCases := []struct {
		name      string
		key       string
		mocker    func()
		want      []byte
		wantFound bool
		wantErr   error
	}{
		{
			name: "success",
			key:  "test-key",
			mocker: func() {
				mock.ExpectGet("scenestore:SCENES:test-key").SetVal("payload")
			},
			want:      []byte("payload"),
			wantFound: true,
		},
		{
			name: "key not found",
			key:  "not-found-key",
			mocker: func() {
				mock.ExpectGet("scenestore:SCENES:not-found-key").RedisNil()
			},
		},
		{
			name: "redis error",
			key:  "error-key",
			mocker: func() {
				mock.ExpectGet("scenestore:SCENES:error-key").SetErr(errors.New("timeout"))
			},
			wantErr: ErrRead,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.mocker()
			got, found, err := s.Get(context.Background(), NamespaceScenes, tc.key)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Get() error = %v, wantErr %v", err, tc.wantErr)
				return
			}
			if found != tc.wantFound {
				t.Errorf("Get() found = %v, want %v", found, tc.wantFound)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Get() got = %q, want %q", got, tc.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("there were unfulfilled expectations: %s", err)
			}
		})
	}
}

func TestRedisStorage_ListKeys(t *testing.T) {
	s, mock := newMockRedisStorage(t)

	// the second page repeats a key, which SCAN is allowed to do
	mock.ExpectScan(0, `scenestore:SCENES:*`, scanPageSize).
		SetVal([]string{"scenestore:SCENES:1-data", "scenestore:SCENES:1-meta"}, 42)
	mock.ExpectScan(42, `scenestore:SCENES:*`, scanPageSize).
		SetVal([]string{"scenestore:SCENES:1-meta", "scenestore:SCENES:2-data"}, 0)

	got, err := s.ListKeys(context.Background(), NamespaceScenes)
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	sort.Strings(got)
	want := []string{"1-data", "1-meta", "2-data"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListKeys() got = %v, want %v", got, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRedisStorage_ListKeysError(t *testing.T) {
	s, mock := newMockRedisStorage(t)
	mock.ExpectScan(0, `scenestore:SCENES:*`, scanPageSize).SetErr(errors.New("loading"))

	if _, err := s.ListKeys(context.Background(), NamespaceScenes); !errors.Is(err, ErrRead) {
		t.Errorf("ListKeys() error = %v, want %v", err, ErrRead)
	}
}

func TestRedisStorage_Delete(t *testing.T) {
	s, mock := newMockRedisStorage(t)

	testCases := []struct {
		name    string
		mocker  func()
		want    bool
		wantErr error
	}{
		{
			name:   "existed",
			mocker: func() { mock.ExpectDel("scenestore:SCENES:k").SetVal(1) },
			want:   true,
		},
		{
			name:   "missing",
			mocker: func() { mock.ExpectDel("scenestore:SCENES:k").SetVal(0) },
		},
		{
			name:    "redis error",
			mocker:  func() { mock.ExpectDel("scenestore:SCENES:k").SetErr(redis.ErrClosed) },
			wantErr: ErrWrite,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.mocker()
			got, err := s.Delete(context.Background(), NamespaceScenes, "k")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Delete() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("Delete() got = %v, want %v", got, tc.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("there were unfulfilled expectations: %s", err)
			}
		})
	}
}

func TestEscapeGlob(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"scenestore:SCENES:", "scenestore:SCENES:"},
		{"a*b", `a\*b`},
		{"q?[x]", `q\?\[x\]`},
		{`back\slash`, `back\\slash`},
	}
	for _, tc := range testCases {
		if got := escapeGlob(tc.in); got != tc.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
