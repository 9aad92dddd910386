package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"docbatch/internal/artifact"
	"docbatch/internal/document"
	"docbatch/internal/task"
)

const (
	statusOK       = "OK"
	statusError    = "Error"
	statusNotFound = "Not found"

	defaultFetchTimeout = 20 * time.Second
)

type processRequest struct {
	Devplans []string `json:"devplans" form:"devplans"`
	UseCache *bool    `json:"use_cache" form:"use_cache"`
}

type processResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
}

type taskData struct {
	ID       string      `json:"id"`
	Count    int         `json:"count"`
	Total    int         `json:"total"`
	Current  string      `json:"current"`
	Status   task.Status `json:"status"`
	Failures int         `json:"failures"`
	Error    string      `json:"error,omitempty"`
	Result   *resultURLs `json:"result,omitempty"`
}

type resultURLs struct {
	JSON string `json:"json"`
	XLSX string `json:"xlsx"`
	Log  string `json:"log"`
}

type taskResponse struct {
	Status string   `json:"status"`
	Data   taskData `json:"data"`
}

type API struct {
	tasks        *task.Manager
	docs         *document.Store
	parser       task.Parser
	fetchTimeout time.Duration
}

func NewAPI(tasks *task.Manager, docs *document.Store, parser task.Parser) *API {
	return &API{tasks: tasks, docs: docs, parser: parser, fetchTimeout: defaultFetchTimeout}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.Health)

	batch := router.Group("/batch")
	{
		batch.POST("/process", a.ProcessBatch)
		batch.GET("/tasks", a.ListTasks)
		batch.GET("/tasks/:id", a.GetTask)
		batch.GET("/tasks/:id/:kind", a.DownloadArtifact)
		batch.POST("/tasks/:id/cancel", a.CancelTask)
		batch.DELETE("/tasks/:id", a.DeleteTask)
	}

	docs := router.Group("/devplans")
	{
		docs.GET("", a.ListDocuments)
		docs.POST("", a.UploadDocuments)
		docs.POST("/fetch", a.FetchDocuments)
		docs.GET("/:id/status", a.DocumentStatus)
		docs.GET("/:id/json", a.ParseDocument)
		docs.GET("/:id/thumbnail", a.DocumentThumbnail)
		docs.DELETE("/:id", a.DeleteDocument)
	}
}

func fail(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"status": statusError, "message": message})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"status": statusNotFound})
}

// Health reports liveness together with the batch queue state.
func (a *API) Health(c *gin.Context) {
	running, pending := a.tasks.Stats()
	c.JSON(http.StatusOK, gin.H{"status": statusOK, "running": running, "pending": pending})
}

// ProcessBatch submits the listed documents for background processing.
func (a *API) ProcessBatch(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBind(&req); err != nil {
		log.Warn().Err(err).Msg("invalid batch request")
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	files := make([]string, 0, len(req.Devplans))
	for _, name := range req.Devplans {
		if name = strings.TrimSpace(name); name != "" {
			files = append(files, document.FileName(name))
		}
	}
	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	snapshot, err := a.tasks.Submit(files, useCache)
	switch {
	case errors.Is(err, task.ErrBusy):
		log.Warn().Msg("rejecting batch: too many pending tasks")
		fail(c, http.StatusServiceUnavailable, "server busy")
		return
	case err != nil:
		log.Warn().Err(err).Msg("batch rejected")
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, processResponse{Status: statusOK, TaskID: snapshot.ID})
}

// ListTasks returns a summary of every known task.
func (a *API) ListTasks(c *gin.Context) {
	snapshots := a.tasks.Registry().List()
	data := make([]taskData, 0, len(snapshots))
	for _, s := range snapshots {
		data = append(data, toTaskData(s))
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK, "data": data})
}

// GetTask returns task progress. Download links appear once it completed.
func (a *API) GetTask(c *gin.Context) {
	snapshot, err := a.tasks.Get(c.Param("id"))
	if err != nil {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, taskResponse{Status: statusOK, Data: toTaskData(snapshot)})
}

// DownloadArtifact serves one generated output of a completed task.
func (a *API) DownloadArtifact(c *gin.Context) {
	id := c.Param("id")
	kind := task.ArtifactKind(c.Param("kind"))
	mime, name, err := artifact.ContentType(kind)
	if err != nil {
		notFound(c)
		return
	}
	path, err := a.tasks.Artifact(id, kind)
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		notFound(c)
		return
	case errors.Is(err, task.ErrArtifactsNotReady):
		fail(c, http.StatusConflict, "results not ready")
		return
	case err != nil:
		log.Error().Str("task_id", id).Err(err).Msg("artifact lookup failed")
		fail(c, http.StatusInternalServerError, "cannot download file")
		return
	}
	log.Info().Str("task_id", id).Str("kind", string(kind)).Msg("serving artifact")
	c.Header("Content-Type", mime)
	c.FileAttachment(path, id+"-"+name)
}

// CancelTask stops a queued or running task.
func (a *API) CancelTask(c *gin.Context) {
	if err := a.tasks.Cancel(c.Param("id")); err != nil {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

// DeleteTask removes a task together with its outputs.
func (a *API) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	err := a.tasks.Delete(c.Request.Context(), id)
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		notFound(c)
	case err != nil:
		log.Error().Str("task_id", id).Err(err).Msg("delete task failed")
		fail(c, http.StatusInternalServerError, "cannot delete task")
	default:
		c.JSON(http.StatusOK, gin.H{"status": statusOK})
	}
}

func toTaskData(s task.Snapshot) taskData {
	data := taskData{
		ID:       s.ID,
		Count:    s.Count,
		Total:    s.Total,
		Current:  s.Current,
		Status:   s.Status,
		Failures: s.Failures,
		Error:    s.Error,
	}
	if s.Status == task.StatusCompleted && s.Artifacts != nil {
		base := "/batch/tasks/" + s.ID + "/"
		data.Result = &resultURLs{
			JSON: base + string(task.ArtifactJSON),
			XLSX: base + string(task.ArtifactXLSX),
			Log:  base + string(task.ArtifactLog),
		}
	}
	return data
}
