package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"NetDispatch/internal/coordinator/models"
	shared "NetDispatch/internal/shared/models"
	"NetDispatch/internal/shared/protocol"
	"NetDispatch/pkg/validator"
)

// SetRequestConfig stores the request template and pushes it to all connected
// agents so they hold the same default.
func (h *Handlers) SetRequestConfig(c *gin.Context) {
	var cfg shared.RequestConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(shared.KindInvalidRequest, "invalid request config"))
		return
	}

	if derr := validateRequest(&cfg); derr != nil {
		c.JSON(http.StatusBadRequest, DispatchErrorResponse(derr))
		return
	}

	h.storeConfig(cfg.Clone())
	h.registry.Broadcast(protocol.NewConfigure(&cfg))

	h.logger.Info("request config updated", "url", cfg.URL, "method", cfg.Method)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) GetRequestConfig(c *gin.Context) {
	cfg := h.loadConfig()
	if cfg == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// Execute runs one dispatch job from the request body (POST).
func (h *Handlers) Execute(c *gin.Context) {
	var cfg shared.RequestConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(shared.KindInvalidRequest, "invalid request body"))
		return
	}

	h.execute(c, &cfg)
}

// ExecuteStored runs one dispatch job from the stored config (GET).
func (h *Handlers) ExecuteStored(c *gin.Context) {
	cfg := h.loadConfig()
	if cfg == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(shared.KindInvalidRequest, "no request config stored"))
		return
	}

	h.execute(c, cfg)
}

func (h *Handlers) execute(c *gin.Context, cfg *shared.RequestConfig) {
	if derr := validateRequest(cfg); derr != nil {
		c.JSON(http.StatusBadRequest, DispatchErrorResponse(derr))
		return
	}

	spec := models.JobSpec{
		Method:     strings.ToUpper(cfg.Method),
		URL:        applyParams(cfg.URL, cfg.Params),
		Headers:    cfg.Headers,
		Body:       cfg.Body,
		TimeoutSec: cfg.TimeoutSec,
	}

	job := h.dispatcher.Submit(c.Request.Context(), spec)

	if job.Err != nil {
		status := job.Err.HTTPStatus()
		if status == 499 {
			// Caller is gone; nothing can read this response.
			c.Status(499)
			return
		}
		c.JSON(status, gin.H{
			"job_id":  job.ID,
			"error":   string(job.Err.Kind),
			"message": job.Err.Message,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":      job.ID,
		"agent_id":    job.AssignedAgent,
		"source_ip":   job.AssignedIP,
		"status":      job.Result.Status,
		"headers":     job.Result.Headers,
		"body":        string(job.Result.Body),
		"elapsed_sec": job.Result.ElapsedSec,
	})
}

func (h *Handlers) Stats(c *gin.Context) {
	agents := h.registry.Snapshot()

	perAgent := make(map[string]gin.H, len(agents))
	for _, a := range agents {
		perAgent[a.ID] = gin.H{
			"hostname":           a.Hostname,
			"ip_count":           len(a.Addresses),
			"requests_processed": a.RequestsProcessed,
			"state":              a.State,
		}
	}

	st := h.dispatcher.Stats()
	c.JSON(http.StatusOK, gin.H{
		"uptime_sec":     time.Since(h.startedAt).Seconds(),
		"total_agents":   len(agents),
		"live_agents":    h.registry.CountLive(),
		"ip_pool_size":   h.pool.Size(),
		"in_flight":      st.InFlight,
		"completed":      st.Completed,
		"failed":         st.Failed,
		"history_length": h.history.Len(),
		"agents":         perAgent,
	})
}

func (h *Handlers) History(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse(shared.KindInvalidRequest, "invalid limit"))
			return
		}
		limit = n
	}

	c.JSON(http.StatusOK, gin.H{"history": h.history.Recent(limit)})
}

func (h *Handlers) Metrics(c *gin.Context) {
	h.metricsH.ServeHTTP(c.Writer, c.Request)
}

// validateRequest rejects bad input synchronously, before any pool pick.
func validateRequest(cfg *shared.RequestConfig) *shared.DispatchError {
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if !validator.ValidateMethod(cfg.Method) {
		return shared.NewDispatchError(shared.KindInvalidRequest, "unsupported method %q", cfg.Method)
	}
	if !validator.ValidateURL(cfg.URL) {
		return shared.NewDispatchError(shared.KindInvalidRequest, "invalid url %q", cfg.URL)
	}
	if cfg.TimeoutSec < 0 {
		return shared.NewDispatchError(shared.KindInvalidRequest, "negative timeout")
	}
	return nil
}

// applyParams folds query params from the config into the URL, keeping any
// query already present.
func applyParams(rawURL string, params map[string]string) string {
	if len(params) == 0 {
		return rawURL
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}

	var b strings.Builder
	b.WriteString(rawURL)
	for k, v := range params {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(k))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(v))
		sep = "&"
	}
	return b.String()
}
