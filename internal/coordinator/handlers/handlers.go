package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"NetDispatch/internal/coordinator/dispatch"
	"NetDispatch/internal/coordinator/history"
	"NetDispatch/internal/coordinator/pool"
	"NetDispatch/internal/coordinator/registry"
	shared "NetDispatch/internal/shared/models"
)

type Handlers struct {
	registry   *registry.Registry
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	history    *history.Ring
	metricsH   http.Handler
	logger     *slog.Logger
	startedAt  time.Time

	// Stored request template (POST /api/config/request). In-memory only.
	configMu      sync.Mutex
	requestConfig *shared.RequestConfig
}

func NewHandlers(
	reg *registry.Registry,
	p *pool.Pool,
	d *dispatch.Dispatcher,
	hist *history.Ring,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handlers{
		registry:   reg,
		pool:       p,
		dispatcher: d,
		history:    hist,
		metricsH:   metricsHandler,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

func (h *Handlers) storeConfig(cfg *shared.RequestConfig) {
	h.configMu.Lock()
	defer h.configMu.Unlock()
	h.requestConfig = cfg
}

func (h *Handlers) loadConfig() *shared.RequestConfig {
	h.configMu.Lock()
	defer h.configMu.Unlock()
	return h.requestConfig.Clone()
}
