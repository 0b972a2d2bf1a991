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
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"github.com/fawa-io/scenestore/pkg/fwlog"
	scenepkg "github.com/fawa-io/scenestore/pkg/scene"
)

const (
	// SceneServiceName is the fully-qualified name of the scene service.
	SceneServiceName = "fawa.scene.v1.SceneService"

	CreateSceneProcedure = "/fawa.scene.v1.SceneService/CreateScene"
	GetSceneProcedure    = "/fawa.scene.v1.SceneService/GetScene"
	ListScenesProcedure  = "/fawa.scene.v1.SceneService/ListScenes"
	DeleteSceneProcedure = "/fawa.scene.v1.SceneService/DeleteScene"
)

type CreateSceneRequest struct {
	Data     []byte `json:"data"`
	Username string `json:"username"`
	UserID   string `json:"userID"`
	FileType string `json:"fileType"`
}

type CreateSceneResponse struct {
	ID       string            `json:"id"`
	Metadata scenepkg.Metadata `json:"metadata"`
}

type GetSceneRequest struct {
	ID string `json:"id"`
}

// SceneMessage is a scene on the wire; Data is base64 in JSON.
type SceneMessage struct {
	ID       string            `json:"id"`
	Data     []byte            `json:"data"`
	Metadata scenepkg.Metadata `json:"metadata"`
}

type ListScenesRequest struct{}

type ListScenesResponse struct {
	Scenes []SceneMessage `json:"scenes"`
}

type DeleteSceneRequest struct {
	ID string `json:"id"`
}

type DeleteSceneResponse struct {
	Deleted bool `json:"deleted"`
}

// JSONCodec lets Connect carry the plain structs above as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// SceneServiceHandler serves scenes over Connect and plain HTTP.
// It depends on a scene Repository for persistence.
type SceneServiceHandler struct {
	repo           *scenepkg.Repository
	maxUploadBytes int64
}

// NewSceneServiceHandler returns a handler over repo. Upload bodies larger
// than maxUploadBytes are rejected.
func NewSceneServiceHandler(repo *scenepkg.Repository, maxUploadBytes int64) *SceneServiceHandler {
	return &SceneServiceHandler{repo: repo, maxUploadBytes: maxUploadBytes}
}

// CreateScene stores a new scene.
func (s *SceneServiceHandler) CreateScene(
	ctx context.Context,
	req *connect.Request[CreateSceneRequest],
) (*connect.Response[CreateSceneResponse], error) {
	if int64(len(req.Msg.Data)) > s.maxUploadBytes {
		return nil, connect.NewError(connect.CodeResourceExhausted, errors.New("scene exceeds the upload limit"))
	}
	res, err := s.repo.Create(ctx, scenepkg.CreateRequest{
		Data:     req.Msg.Data,
		Username: req.Msg.Username,
		UserID:   req.Msg.UserID,
		FileType: req.Msg.FileType,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&CreateSceneResponse{ID: res.ID, Metadata: res.Metadata}), nil
}

// GetScene returns one scene or not_found.
func (s *SceneServiceHandler) GetScene(
	ctx context.Context,
	req *connect.Request[GetSceneRequest],
) (*connect.Response[SceneMessage], error) {
	sc, ok, err := s.repo.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, scenepkg.ErrNotFound)
	}
	return connect.NewResponse(&SceneMessage{ID: sc.ID, Data: sc.Data, Metadata: sc.Metadata}), nil
}

// ListScenes returns every complete scene in id order.
func (s *SceneServiceHandler) ListScenes(
	ctx context.Context,
	_ *connect.Request[ListScenesRequest],
) (*connect.Response[ListScenesResponse], error) {
	scenes, err := s.collect(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ListScenesResponse{Scenes: scenes}), nil
}

// DeleteScene removes both halves of a scene.
func (s *SceneServiceHandler) DeleteScene(
	ctx context.Context,
	req *connect.Request[DeleteSceneRequest],
) (*connect.Response[DeleteSceneResponse], error) {
	deleted, err := s.repo.Delete(ctx, req.Msg.ID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DeleteSceneResponse{Deleted: deleted}), nil
}

func (s *SceneServiceHandler) collect(ctx context.Context) ([]SceneMessage, error) {
	scenes := []SceneMessage{}
	for sc, err := range s.repo.List(ctx) {
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, SceneMessage{ID: sc.ID, Data: sc.Data, Metadata: sc.Metadata})
	}
	return scenes, nil
}

// readLimit bounds a Connect request body: the upload limit once base64
// encoded by the JSON codec, plus room for the other fields.
func readLimit(maxUploadBytes int64) int {
	return base64.StdEncoding.EncodedLen(int(maxUploadBytes)) + 64<<10
}

// NewConnectHandler builds the Connect handler for every scene procedure and
// returns the path to mount it on.
func NewConnectHandler(svc *SceneServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(JSONCodec{}),
		connect.WithReadMaxBytes(readLimit(svc.maxUploadBytes)),
	}, opts...)
	create := connect.NewUnaryHandler(CreateSceneProcedure, svc.CreateScene, opts...)
	get := connect.NewUnaryHandler(GetSceneProcedure, svc.GetScene, opts...)
	list := connect.NewUnaryHandler(ListScenesProcedure, svc.ListScenes, opts...)
	del := connect.NewUnaryHandler(DeleteSceneProcedure, svc.DeleteScene, opts...)

	return "/" + SceneServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case CreateSceneProcedure:
			create.ServeHTTP(w, r)
		case GetSceneProcedure:
			get.ServeHTTP(w, r)
		case ListScenesProcedure:
			list.ServeHTTP(w, r)
		case DeleteSceneProcedure:
			del.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// codeOf is the single mapping from repository errors to status codes.
func codeOf(err error) connect.Code {
	switch {
	case errors.Is(err, scenepkg.ErrValidation):
		return connect.CodeInvalidArgument
	case errors.Is(err, scenepkg.ErrNotFound):
		return connect.CodeNotFound
	case errors.Is(err, scenepkg.ErrPreviewUnsupported):
		return connect.CodeFailedPrecondition
	case errors.Is(err, scenepkg.ErrIdentifierExhausted):
		return connect.CodeResourceExhausted
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	}
	return connect.CodeInternal
}

func toConnectError(err error) *connect.Error {
	code := codeOf(err)
	if code == connect.CodeInternal {
		fwlog.Errorf("Scene request failed: %v", err)
	}
	return connect.NewError(code, err)
}

// httpStatus maps a code to the HTTP status of the REST routes.
func httpStatus(code connect.Code) int {
	switch code {
	case connect.CodeInvalidArgument:
		return http.StatusBadRequest
	case connect.CodeNotFound:
		return http.StatusNotFound
	case connect.CodeFailedPrecondition:
		return http.StatusUnprocessableEntity
	case connect.CodeResourceExhausted:
		return http.StatusInternalServerError
	case connect.CodeCanceled:
		return 499
	case connect.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
