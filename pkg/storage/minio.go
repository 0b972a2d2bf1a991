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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fawa-io/scenestore/pkg/fwlog"
)

// MinioConfig holds the connection settings for a MinIO/S3 bucket.
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// MinioStorage stores each key as the object <namespace>/<key> in one bucket.
type MinioStorage struct {
	client     *minio.Client
	bucketName string
	namespaces namespaces
}

var _ Storage = (*MinioStorage)(nil)

// NewMinioStorage creates the client and makes sure the bucket exists.
func NewMinioStorage(ctx context.Context, cfg MinioConfig, nss ...Namespace) (*MinioStorage, error) {
	if cfg.Endpoint == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("minio endpoint, credentials and bucket are required")
	}
	set, err := newNamespaces(nss)
	if err != nil {
		return nil, err
	}

	fwlog.Infof("Initializing MinIO storage: endpoint=%s bucket=%s ssl=%v", cfg.Endpoint, cfg.BucketName, cfg.UseSSL)
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check minio bucket '%s': %w", cfg.BucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create minio bucket '%s': %w", cfg.BucketName, err)
		}
		fwlog.Infof("Successfully created MinIO bucket: %s", cfg.BucketName)
	}

	return &MinioStorage{client: client, bucketName: cfg.BucketName, namespaces: set}, nil
}

func objectName(ns Namespace, key string) string {
	return string(ns) + "/" + key
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (m *MinioStorage) put(ctx context.Context, ns Namespace, key string, value []byte, opts minio.PutObjectOptions) error {
	_, err := m.client.PutObject(ctx, m.bucketName, objectName(ns, key),
		bytes.NewReader(value), int64(len(value)), opts)
	return err
}

func (m *MinioStorage) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := m.namespaces.guard(ns, key); err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if err := m.put(ctx, ns, key, value, opts); err != nil {
		return writeErr("set", ns, key, err)
	}
	return nil
}

func (m *MinioStorage) SetIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) (bool, error) {
	if err := m.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	// If-None-Match: * makes the server reject the PUT when the object exists
	opts.SetMatchETagExcept("*")
	if err := m.put(ctx, ns, key, value, opts); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed {
			return false, nil
		}
		return false, writeErr("set-if-absent", ns, key, err)
	}
	return true, nil
}

func (m *MinioStorage) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	if err := m.namespaces.guard(ns, key); err != nil {
		return nil, false, err
	}
	object, err := m.client.GetObject(ctx, m.bucketName, objectName(ns, key), minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, readErr("get", ns, key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, readErr("get", ns, key, err)
	}
	return data, true, nil
}

func (m *MinioStorage) ListKeys(ctx context.Context, ns Namespace) ([]string, error) {
	if err := m.namespaces.check(ns); err != nil {
		return nil, err
	}
	prefix := string(ns) + "/"
	keys := []string{}
	for object := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, readErr("list", ns, "*", object.Err)
		}
		key := strings.TrimPrefix(object.Key, prefix)
		// common prefixes of nested objects are not keys
		if strings.HasSuffix(key, "/") || ValidateKey(key) != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Delete stats the object first because RemoveObject succeeds whether or
// not the object existed.
func (m *MinioStorage) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	if err := m.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	name := objectName(ns, key)
	if _, err := m.client.StatObject(ctx, m.bucketName, name, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, writeErr("delete", ns, key, err)
	}
	if err := m.client.RemoveObject(ctx, m.bucketName, name, minio.RemoveObjectOptions{}); err != nil {
		return false, writeErr("delete", ns, key, err)
	}
	return true, nil
}

// Close is a no-op; the MinIO client holds no long-lived connections.
func (m *MinioStorage) Close() error {
	return nil
}
