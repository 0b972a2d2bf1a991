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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"connectrpc.com/connect"

	"github.com/fawa-io/scenestore/pkg/fwlog"
	scenepkg "github.com/fawa-io/scenestore/pkg/scene"
)

const (
	uploadField = "image"
	archiveName = "scenes.zip"
)

// RegisterRoutes mounts the REST routes under prefix (for example
// "/api/v2") and the health check at /health.
func (s *SceneServiceHandler) RegisterRoutes(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+"/scenes", s.handleCreate)
	mux.HandleFunc("GET "+prefix+"/scenes", s.handleList)
	mux.HandleFunc("GET "+prefix+"/scenes/export", s.handleExport)
	mux.HandleFunc("GET "+prefix+"/scenes/{id}", s.handleGet)
	mux.HandleFunc("GET "+prefix+"/scenes/{id}/preview", s.handlePreview)
	mux.HandleFunc("DELETE "+prefix+"/scenes/{id}", s.handleDelete)
	mux.HandleFunc("GET /health", handleHealth)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fwlog.Warnf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code connect.Code, err error) {
	msg := err.Error()
	if code == connect.CodeInternal {
		msg = "internal error"
	}
	w.Header().Del("Content-Disposition")
	writeJSON(w, status, errorBody{Code: code.String(), Message: msg})
}

func writeRepoError(w http.ResponseWriter, err error) {
	cerr := toConnectError(err)
	writeError(w, httpStatus(cerr.Code()), cerr.Code(), err)
}

func writeNotFound(w http.ResponseWriter, id string) {
	writeError(w, http.StatusNotFound, connect.CodeNotFound, fmt.Errorf("%w: %s", scenepkg.ErrNotFound, id))
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *SceneServiceHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	req, err := s.parseUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, connect.CodeResourceExhausted,
				fmt.Errorf("upload exceeds %d bytes", maxErr.Limit))
			return
		}
		writeRepoError(w, err)
		return
	}

	res, err := s.repo.Create(r.Context(), req)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSceneResponse{ID: res.ID, Metadata: res.Metadata})
}

// parseUpload accepts either a multipart form with the image in the "image"
// field, or the raw image as the request body with username and userID in
// the query string.
func (s *SceneServiceHandler) parseUpload(r *http.Request) (scenepkg.CreateRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
			return scenepkg.CreateRequest{}, fmt.Errorf("%w: %w", scenepkg.ErrValidation, err)
		}
		file, header, err := r.FormFile(uploadField)
		if err != nil {
			return scenepkg.CreateRequest{}, fmt.Errorf("%w: multipart field %q is required", scenepkg.ErrValidation, uploadField)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return scenepkg.CreateRequest{}, fmt.Errorf("read upload: %w", err)
		}
		return scenepkg.CreateRequest{
			Data:     data,
			Username: r.FormValue("username"),
			UserID:   r.FormValue("userID"),
			FileType: detectFileType(header.Header.Get("Content-Type"), data),
		}, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return scenepkg.CreateRequest{}, fmt.Errorf("read upload: %w", err)
	}
	q := r.URL.Query()
	return scenepkg.CreateRequest{
		Data:     data,
		Username: q.Get("username"),
		UserID:   q.Get("userID"),
		FileType: detectFileType(r.Header.Get("Content-Type"), data),
	}, nil
}

// detectFileType trusts a declared type unless it is missing or generic.
func detectFileType(declared string, data []byte) string {
	if declared != "" && declared != scenepkg.DefaultFileType {
		return declared
	}
	if len(data) == 0 {
		return declared
	}
	return http.DetectContentType(data)
}

func (s *SceneServiceHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc, ok, err := s.repo.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if !ok {
		writeNotFound(w, id)
		return
	}
	contentType, disposition := scenepkg.ServeAs(sc.Metadata.FileType)
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(sc.Data)))
	h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{
		"filename": scenepkg.EntryName(sc.Metadata),
	}))
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(sc.Data); err != nil {
		fwlog.Warnf("Failed to send scene %s: %v", id, err)
	}
}

func (s *SceneServiceHandler) handleList(w http.ResponseWriter, r *http.Request) {
	scenes, err := s.collect(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListScenesResponse{Scenes: scenes})
}

// startWriter sets the archive headers right before the first byte, so an
// empty export can still be answered with a JSON 404.
type startWriter struct {
	w       http.ResponseWriter
	started bool
}

func (sw *startWriter) Write(p []byte) (int, error) {
	if !sw.started {
		sw.started = true
		h := sw.w.Header()
		h.Set("Content-Type", "application/zip")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": archiveName}))
		sw.w.WriteHeader(http.StatusOK)
	}
	return sw.w.Write(p)
}

func (s *SceneServiceHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	sw := &startWriter{w: w}
	n, err := s.repo.WriteArchive(r.Context(), sw)
	if err == nil {
		return
	}
	if !sw.started {
		writeRepoError(w, err)
		return
	}
	fwlog.Errorf("Archive export aborted after %d entries: %v", n, err)
	panic(http.ErrAbortHandler)
}

func (s *SceneServiceHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	size := scenepkg.DefaultPreviewSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeRepoError(w, fmt.Errorf("%w: size must be an integer", scenepkg.ErrValidation))
			return
		}
		size = n
	}

	out, ok, err := s.repo.Preview(r.Context(), id, size)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if !ok {
		writeNotFound(w, id)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		fwlog.Warnf("Failed to send preview of scene %s: %v", id, err)
	}
}

func (s *SceneServiceHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.repo.Delete(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if !deleted {
		writeNotFound(w, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
