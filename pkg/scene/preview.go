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
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

const (
	DefaultPreviewSize = 256
	MaxPreviewSize     = 2048

	// MaxPreviewPixels bounds the decoded size of a source image. The
	// header is checked before any pixel buffer is allocated.
	MaxPreviewPixels = 50_000_000
)

// ErrPreviewUnsupported is returned when the stored bytes are not a raster
// image the preview renderer can decode (SVG and JSON scenes, for example).
var ErrPreviewUnsupported = errors.New("scene has no raster preview")

// Preview renders scene id as a PNG that fits in a size x size box. Images
// already smaller than the box are not scaled up.
func (r *Repository) Preview(ctx context.Context, id string, size int) ([]byte, bool, error) {
	if size <= 0 || size > MaxPreviewSize {
		return nil, false, fmt.Errorf("%w: preview size must be between 1 and %d", ErrValidation, MaxPreviewSize)
	}
	s, ok, err := r.Get(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	out, err := RenderPreview(s.Data, size)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// RenderPreview decodes a PNG, JPEG, GIF, TIFF or BMP image, honouring EXIF
// orientation, and re-encodes it as a PNG scaled down to fit size x size.
// Images declaring more than MaxPreviewPixels are refused without decoding.
func RenderPreview(data []byte, size int) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreviewUnsupported, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPreviewPixels {
		return nil, fmt.Errorf("%w: image is %dx%d, over %d pixels",
			ErrPreviewUnsupported, cfg.Width, cfg.Height, MaxPreviewPixels)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreviewUnsupported, err)
	}
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
