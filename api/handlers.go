package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"tasksync/domain"
)

const statusText = "Task Management Server is running"

var errInvalidBody = errors.New("invalid request body")

// Register wires the task and user routes on e.
func Register(e *echo.Echo, app *App) {
	e.GET("/", root)
	e.GET("/healthz", app.healthz)
	e.GET("/tasks", app.listTasks)
	e.POST("/tasks", app.createTask)
	e.PUT("/tasks/:id", app.updateTask)
	e.DELETE("/tasks/:id", app.deleteTask)
	e.PUT("/users", app.upsertUser)
}

func root(c echo.Context) error {
	return c.String(http.StatusOK, statusText)
}

func (a *App) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		a.logger().WithError(err).Warn("health check failed")
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}

// begin starts request metrics and resolves the caller scope. A nil scope
// result means the 401 response was already written.
func (a *App) begin(c echo.Context, route string) (*requestMetrics, context.Context, *domain.OwnerScope, error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), a.logger(), c.Request().Method, route)
	c.SetRequest(c.Request().WithContext(ctx))

	authStart := time.Now()
	scope, err := a.scopeFor(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if err != nil {
		metrics.SetErrorStage("auth")
		a.logger().WithError(err).Debug("rejected request")
		return metrics, ctx, nil, unauthorized(c)
	}
	return metrics, ctx, &scope, nil
}

func (a *App) listTasks(c echo.Context) (err error) {
	metrics, ctx, scope, err := a.begin(c, "/tasks")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if scope == nil {
		return err
	}

	start := time.Now()
	tasks, listErr := a.Store.ListTasks(ctx, *scope)
	metrics.ObserveStore(time.Since(start))
	if listErr != nil {
		metrics.SetErrorStage("storage")
		a.logger().WithError(listErr).Error("list tasks")
		return a.storeFault(c, "Failed to fetch tasks", listErr)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	metrics.SetTasksReturned(len(tasks))
	return c.JSON(http.StatusOK, tasks)
}

func (a *App) createTask(c echo.Context) (err error) {
	metrics, ctx, scope, err := a.begin(c, "/tasks")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if scope == nil {
		return err
	}

	var in domain.NewTask
	if decodeErr := decodeBody(c, &in); decodeErr != nil {
		metrics.SetErrorStage("decode")
		return badRequest(c, "Invalid request body")
	}

	start := time.Now()
	task, createErr := a.Store.CreateTask(ctx, *scope, in)
	metrics.ObserveStore(time.Since(start))
	if createErr != nil {
		metrics.SetErrorStage("storage")
		a.logger().WithError(createErr).Error("create task")
		return a.storeFault(c, "Failed to create task", createErr)
	}
	metrics.SetAffected(1)
	return c.JSON(http.StatusOK, insertResponse{Acknowledged: true, InsertedID: task.ID})
}

func (a *App) updateTask(c echo.Context) (err error) {
	metrics, ctx, scope, err := a.begin(c, "/tasks/:id")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if scope == nil {
		return err
	}

	id := c.Param("id")
	var patch domain.TaskPatch
	if decodeErr := decodeBody(c, &patch); decodeErr != nil {
		metrics.SetErrorStage("decode")
		return badRequest(c, "Invalid request body")
	}

	start := time.Now()
	matched, updateErr := a.Store.UpdateTask(ctx, id, *scope, patch)
	metrics.ObserveStore(time.Since(start))
	if updateErr != nil {
		metrics.SetErrorStage("storage")
		a.logger().WithError(updateErr).WithField("task", id).Error("update task")
		return a.storeFault(c, "Failed to update task", updateErr)
	}
	metrics.SetAffected(matched)
	if matched == 0 {
		return taskNotFound(c)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "Task updated successfully", ID: id})
}

func (a *App) deleteTask(c echo.Context) (err error) {
	metrics, ctx, scope, err := a.begin(c, "/tasks/:id")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if scope == nil {
		return err
	}

	id := c.Param("id")
	start := time.Now()
	deleted, deleteErr := a.Store.DeleteTask(ctx, id, *scope)
	metrics.ObserveStore(time.Since(start))
	if deleteErr != nil {
		metrics.SetErrorStage("storage")
		a.logger().WithError(deleteErr).WithField("task", id).Error("delete task")
		return a.storeFault(c, "Failed to delete task", deleteErr)
	}
	metrics.SetAffected(deleted)
	if deleted == 0 {
		return taskNotFound(c)
	}
	return c.JSON(http.StatusOK, deleteResponse{Acknowledged: true, DeletedCount: deleted})
}

// upsertUser stores the profile sent for uid. It does not require a token.
func (a *App) upsertUser(c echo.Context) (err error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), a.logger(), c.Request().Method, "/users")
	c.SetRequest(c.Request().WithContext(ctx))
	defer func() { metrics.Log(c.Response().Status, err) }()

	body := map[string]any{}
	if decodeErr := decodeBody(c, &body); decodeErr != nil {
		metrics.SetErrorStage("decode")
		return badRequest(c, "Invalid request body")
	}
	uid, _ := body["uid"].(string)
	if strings.TrimSpace(uid) == "" {
		metrics.SetErrorStage("validate")
		return badRequest(c, "uid is required")
	}
	delete(body, "uid")

	start := time.Now()
	res, upsertErr := a.Store.UpsertUser(ctx, uid, body)
	metrics.ObserveStore(time.Since(start))
	if upsertErr != nil {
		metrics.SetErrorStage("storage")
		a.logger().WithError(upsertErr).WithField("uid", uid).Error("upsert user")
		return a.storeFault(c, "Failed to save user", upsertErr)
	}
	metrics.SetAffected(res.MatchedCount + res.UpsertedCount)
	return c.JSON(http.StatusOK, res)
}

// decodeBody reads a JSON body into v. An empty or blank body leaves v
// untouched; anything else must be a complete JSON document.
func decodeBody(c echo.Context, v any) error {
	body := c.Request().Body
	if body == nil {
		return nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return errInvalidBody
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(raw, v); err != nil {
		return errInvalidBody
	}
	return nil
}
