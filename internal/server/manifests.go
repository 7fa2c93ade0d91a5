package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"spriteboard/internal/engine"
)

var manifestErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
	http.StatusInternalServerError,
}

type manifestOutput struct {
	Body ManifestResponse `json:"body"`
}

func registerManifests(api huma.API, e engine.Engine, logger *slog.Logger) {
	lg := logger.With("component", "api")

	huma.Register(api, huma.Operation{
		OperationID:   "create-manifest",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/manifests",
		Summary:       "Open a manifest and provision its sandbox",
		DefaultStatus: http.StatusCreated,
		Errors:        manifestErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateManifestRequest `json:"body"`
	}) (*manifestOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateManifest(ctx, engine.CreateManifestOptions{
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			PRDName:   input.Body.PRDName,
			Model:     input.Body.Model,
			AutoStart: input.Body.AutoStart,
			ActorID:   actorID,
		})
		if errors.Is(err, engine.ErrSpawnFailed) {
			lg.Error("manifest spawn failed", "project_id", input.ProjectID, "manifest_id", m.ID, "err", err)
			return nil, newAPIError(http.StatusBadGateway, "spawn_failed", "sandbox provisioning failed", map[string]any{"manifest_id": m.ID})
		}
		if err != nil {
			logFailure(lg, "create manifest failed", err, "project_id", input.ProjectID)
			return nil, handleError(err)
		}
		return &manifestOutput{Body: manifestResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-manifests",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/manifests",
		Summary:     "List manifests of a project, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ManifestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListManifests(ctx, input.ProjectID, actorID)
		if err != nil {
			logFailure(lg, "list manifests failed", err, "project_id", input.ProjectID)
			return nil, handleError(err)
		}
		return &struct {
			Body []ManifestResponse `json:"body"`
		}{Body: mapManifests(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-manifest",
		Method:      http.MethodGet,
		Path:        "/manifests/{manifest_id}",
		Summary:     "Get manifest, refreshing task-list progress while running",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ManifestID string `path:"manifest_id"`
	}) (*manifestOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GetManifest(ctx, input.ManifestID, actorID)
		if err != nil {
			logFailure(lg, "get manifest failed", err, "manifest_id", input.ManifestID)
			return nil, handleError(err)
		}
		return &manifestOutput{Body: manifestResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-manifest",
		Method:      http.MethodPatch,
		Path:        "/manifests/{manifest_id}",
		Summary:     "Rename the PRD of a manifest that has not started its loop",
		Errors:      manifestErrors,
	}, func(ctx context.Context, input *struct {
		ManifestID string                `path:"manifest_id"`
		Body       UpdateManifestRequest `json:"body"`
	}) (*manifestOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdatePRDName(ctx, input.ManifestID, input.Body.PRDName, actorID)
		if err != nil {
			logFailure(lg, "update manifest failed", err, "manifest_id", input.ManifestID)
			return nil, handleError(err)
		}
		return &manifestOutput{Body: manifestResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-manifest",
		Method:      http.MethodPost,
		Path:        "/manifests/{manifest_id}/start",
		Summary:     "Start the task loop in the manifest sandbox",
		Errors:      manifestErrors,
	}, func(ctx context.Context, input *struct {
		ManifestID string               `path:"manifest_id"`
		Body       StartManifestRequest `json:"body"`
	}) (*manifestOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.StartTaskLoop(ctx, input.ManifestID, input.Body.Model, actorID)
		if err != nil {
			logFailure(lg, "start task loop failed", err, "manifest_id", input.ManifestID)
			return nil, handleError(err)
		}
		return &manifestOutput{Body: manifestResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-manifest",
		Method:      http.MethodPost,
		Path:        "/manifests/{manifest_id}/stop",
		Summary:     "Kill the task loop and keep the sandbox",
		Errors:      manifestErrors,
	}, func(ctx context.Context, input *struct {
		ManifestID string `path:"manifest_id"`
	}) (*manifestOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.StopManifest(ctx, input.ManifestID, actorID)
		if err != nil {
			logFailure(lg, "stop manifest failed", err, "manifest_id", input.ManifestID)
			return nil, handleError(err)
		}
		return &manifestOutput{Body: manifestResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-manifest",
		Method:        http.MethodDelete,
		Path:          "/manifests/{manifest_id}",
		Summary:       "Destroy the manifest sandbox and remove the manifest",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ManifestID string `path:"manifest_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteManifest(ctx, input.ManifestID, actorID); err != nil {
			logFailure(lg, "delete manifest failed", err, "manifest_id", input.ManifestID)
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
