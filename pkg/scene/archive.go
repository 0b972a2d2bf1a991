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
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/fawa-io/scenestore/pkg/fwlog"
)

var extensions = map[string]string{
	"image/png":        "png",
	"image/jpeg":       "jpg",
	"image/jpg":        "jpg",
	"image/gif":        "gif",
	"image/webp":       "webp",
	"image/svg+xml":    "svg",
	"application/json": "json",
}

// inlineTypes are the stored types a browser may render in place.
var inlineTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/webp": true,
}

func mediaType(fileType string) string {
	base, _, _ := strings.Cut(fileType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// Extension maps a MIME type to the archive file extension, "bin" when
// the type is unknown. Parameters such as "; charset=utf-8" are ignored.
func Extension(fileType string) string {
	if ext, ok := extensions[mediaType(fileType)]; ok {
		return ext
	}
	return "bin"
}

// ServeAs returns the Content-Type and disposition to send the raw bytes of
// a scene with. Raster images are shown inline. SVG and JSON keep their type
// but are downloaded, and any other declared type is sent as opaque bytes.
func ServeAs(fileType string) (contentType, disposition string) {
	base := mediaType(fileType)
	switch {
	case inlineTypes[base]:
		return base, "inline"
	case extensions[base] != "":
		return base, "attachment"
	default:
		return DefaultFileType, "attachment"
	}
}

// EntryName is the archive file name of a scene: {id}_{username}.{ext}.
func EntryName(m Metadata) string {
	return fmt.Sprintf("%s_%s.%s", m.ID, SanitizeUsername(m.Username), Extension(m.FileType))
}

// WriteArchive streams a zip of every complete scene to w, one entry per
// scene in id order, and returns the number of entries. Entries carry the
// scene's createdAt as modification time, so the same scenes always
// produce the same bytes. Nothing is written when there are no scenes, in
// which case ErrEmptyArchive is returned.
func (r *Repository) WriteArchive(ctx context.Context, w io.Writer) (int, error) {
	var (
		zw *zip.Writer
		n  int
	)
	for s, err := range r.List(ctx) {
		if err != nil {
			return n, err
		}
		if zw == nil {
			zw = zip.NewWriter(w)
		}
		name := EntryName(s.Metadata)
		f, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: s.Metadata.CreatedTime(),
		})
		if err != nil {
			return n, fmt.Errorf("add archive entry %s: %w", name, err)
		}
		if _, err := f.Write(s.Data); err != nil {
			return n, fmt.Errorf("write archive entry %s: %w", name, err)
		}
		n++
	}
	if zw == nil {
		return 0, ErrEmptyArchive
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("finish archive: %w", err)
	}
	fwlog.Infof("Exported %d scenes", n)
	return n, nil
}

// ExportArchive returns the zip produced by WriteArchive.
func (r *Repository) ExportArchive(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := r.WriteArchive(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
