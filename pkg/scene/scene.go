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

// Package scene stores rendered scene images together with their metadata.
// Every scene occupies two keys in one storage namespace: {id}-data holds
// the image bytes and {id}-meta the JSON metadata. The data half is
// reserved first and the metadata half written last, so a scene becomes
// visible only once both exist; readers skip anything unpaired.
package scene

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	// IDLength is the number of decimal digits in a generated scene id.
	IDLength = 16

	// DefaultMaxAttempts bounds id generation retries on collision.
	DefaultMaxAttempts = 10

	DefaultUserID   = "unknown"
	DefaultFileType = "application/octet-stream"

	dataSuffix = "-data"
	metaSuffix = "-meta"

	// createdAtLayout is RFC 3339 in UTC with millisecond precision.
	createdAtLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// ErrValidation reports unusable caller input.
	ErrValidation = errors.New("invalid scene request")
	// ErrNotFound reports a missing scene.
	ErrNotFound = errors.New("scene not found")
	// ErrEmptyArchive is returned when there is nothing to export.
	ErrEmptyArchive = fmt.Errorf("%w: no scenes to export", ErrNotFound)
	// ErrIdentifierExhausted is returned when every generated id collided.
	ErrIdentifierExhausted = errors.New("could not generate a unique scene id")
)

// Metadata is the JSON document stored under {id}-meta.
type Metadata struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	UserID    string `json:"userID"`
	FileType  string `json:"fileType"`
	CreatedAt string `json:"createdAt"`
}

// CreatedTime parses CreatedAt, returning the zero time when it is unset
// or malformed.
func (m Metadata) CreatedTime() time.Time {
	t, err := time.Parse(time.RFC3339, m.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Scene is a stored image with its metadata.
type Scene struct {
	ID       string
	Data     []byte
	Metadata Metadata
}

// CreateRequest carries the fields accepted on upload.
type CreateRequest struct {
	Data     []byte
	Username string
	UserID   string
	FileType string
}

// CreateResult is returned from Create. It never echoes the image bytes.
type CreateResult struct {
	ID       string   `json:"id"`
	Metadata Metadata `json:"metadata"`
}

var unsafeUsernameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeUsername replaces every character outside [A-Za-z0-9_-] with an
// underscore so the name is safe inside archive entry names.
func SanitizeUsername(name string) string {
	return unsafeUsernameChars.ReplaceAllString(name, "_")
}

func dataKey(id string) string { return id + dataSuffix }
func metaKey(id string) string { return id + metaSuffix }
