package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"spriteboard/internal/domain"
	"spriteboard/internal/engine"
	"spriteboard/internal/repo"
)

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine, logger *slog.Logger) {
	lg := logger.With("component", "api")
	taskErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create a board task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:   input.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Model:       input.Body.Model,
			BoardStatus: domain.BoardStatus(input.Body.BoardStatus),
			ActorID:     actorID,
		})
		if err != nil {
			logFailure(lg, "create task failed", err, "project_id", input.ProjectID)
			return nil, handleError(err)
		}
		return &taskOutput{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List board tasks",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		BoardStatus string `query:"board_status"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTasks(ctx, input.ProjectID, domain.BoardStatus(input.BoardStatus), actorID)
		if err != nil {
			logFailure(lg, "list tasks failed", err, "project_id", input.ProjectID)
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task with its latest agent session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TaskResponse{Task: t}
		s, err := e.Repo.LatestSession(ctx, t.ID)
		switch {
		case err == nil:
			resp.Session = &s
		case !errors.Is(err, repo.ErrNotFound):
			logFailure(lg, "load latest session failed", err, "task_id", t.ID)
			return nil, handleError(err)
		}
		return &taskOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-sessions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/sessions",
		Summary:     "List every agent session of a task, oldest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.OpencodeSession `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.TaskSessions(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.OpencodeSession{}
		}
		return &struct {
			Body []domain.OpencodeSession `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Edit task content",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:          input.TaskID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Model:       input.Body.Model,
			ActorID:     actorID,
		})
		if err != nil {
			logFailure(lg, "update task failed", err, "task_id", input.TaskID)
			return nil, handleError(err)
		}
		return &taskOutput{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/move",
		Summary:     "Move a task to another board column; ritual starts an agent",
		Errors:      append(taskErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   MoveTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.MoveTask(ctx, input.TaskID, domain.BoardStatus(input.Body.BoardStatus), actorID)
		if errors.Is(err, engine.ErrSpawnFailed) {
			lg.Error("invocation spawn failed", "task_id", input.TaskID, "err", err)
			return nil, newAPIError(http.StatusBadGateway, "spawn_failed", "sandbox provisioning failed", map[string]any{"task_id": input.TaskID})
		}
		if err != nil {
			logFailure(lg, "move task failed", err, "task_id", input.TaskID)
			return nil, handleError(err)
		}
		return &taskOutput{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/stop",
		Summary:     "Kill the running agent and return the task to altar",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.StopTask(ctx, input.TaskID, actorID)
		if err != nil {
			logFailure(lg, "stop task failed", err, "task_id", input.TaskID)
			return nil, handleError(err)
		}
		return &taskOutput{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete a task and destroy any live sandbox",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.TaskID, actorID); err != nil {
			logFailure(lg, "delete task failed", err, "task_id", input.TaskID)
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
