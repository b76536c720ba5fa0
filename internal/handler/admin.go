package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// BackendManager is the part of the load balancer the admin API drives
type BackendManager interface {
	AddBackend(addr domain.InetAddr, checkPort uint16) error
	RemoveBackend(addr domain.InetAddr) error
	Backends() []*domain.Backend
	SetProbeText(text string)
	CheckAllBackends(ctx context.Context) int
	GetStats() map[string]interface{}
}

// TrafficLedger exposes per-client byte counts
type TrafficLedger interface {
	Traffic(addr string) (int64, bool)
	IsLimited(addr string) bool
	Ceiling() int64
	Clients() int
}

// ConnectionCounter reports live client connections
type ConnectionCounter interface {
	Count() int
}

// RouteTable reports established client/backend pairs
type RouteTable interface {
	Routes() int
	Mappings() map[string]string
}

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	balancer    BackendManager
	ledger      TrafficLedger
	connections ConnectionCounter
	routes      RouteTable
	metrics     http.Handler
	logger      *logger.Logger
	startTime   time.Time
}

// NewAdminHandler creates a new admin handler. connections, routes and
// metrics may be nil.
func NewAdminHandler(balancer BackendManager, ledger TrafficLedger, connections ConnectionCounter, routes RouteTable, metrics http.Handler, log *logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &AdminHandler{
		balancer:    balancer,
		ledger:      ledger,
		connections: connections,
		routes:      routes,
		metrics:     metrics,
		logger:      log.AdminLogger(),
		startTime:   time.Now(),
	}
}

// BackendRequest represents a request to add a backend
type BackendRequest struct {
	Address   string `json:"address"`
	CheckPort uint16 `json:"check_port,omitempty"`
}

// BackendResponse represents backend information in API responses
type BackendResponse struct {
	Address         string    `json:"address"`
	CheckAddress    string    `json:"check_address"`
	Status          string    `json:"status"`
	Failures        int64     `json:"failures"`
	Assigned        int64     `json:"assigned"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
}

// ProbeTextRequest sets the health probe text
type ProbeTextRequest struct {
	Text string `json:"text"`
}

// CheckResponse reports the outcome of an on-demand health check pass
type CheckResponse struct {
	Healthy  int       `json:"healthy"`
	Total    int       `json:"total"`
	Duration string    `json:"duration"`
	Time     time.Time `json:"timestamp"`
}

// TrafficResponse reports one client's ledger entry
type TrafficResponse struct {
	Client  string `json:"client"`
	Bytes   int64  `json:"bytes"`
	Limited bool   `json:"limited"`
	Ceiling int64  `json:"ceiling"`
}

// StatsResponse represents proxy statistics
type StatsResponse struct {
	Uptime       string                 `json:"uptime"`
	Connections  int                    `json:"connections"`
	Routes       int                    `json:"routes"`
	Clients      int                    `json:"tracked_clients"`
	LoadBalancer map[string]interface{} `json:"load_balancer"`
	Mappings     map[string]string      `json:"mappings,omitempty"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterRoutes mounts the admin API on r
func (h *AdminHandler) RegisterRoutes(r *mux.Router, metricsPath string) {
	// Routes sit on r itself: a method mismatch inside a subrouter is
	// reported as 404 rather than 405.
	r.HandleFunc("/admin/backends", h.ListBackendsHandler).Methods(http.MethodGet)
	r.HandleFunc("/admin/backends", h.AddBackendHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/backends/{address}", h.DeleteBackendHandler).Methods(http.MethodDelete)
	r.HandleFunc("/admin/health/probe-text", h.SetProbeTextHandler).Methods(http.MethodPut)
	r.HandleFunc("/admin/health/check", h.CheckHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/traffic/{client}", h.TrafficHandler).Methods(http.MethodGet)
	r.HandleFunc("/admin/stats", h.GetStatsHandler).Methods(http.MethodGet)

	if h.metrics != nil && metricsPath != "" {
		r.Handle(metricsPath, h.metrics).Methods(http.MethodGet)
	}
}

// ListBackendsHandler handles GET /admin/backends
func (h *AdminHandler) ListBackendsHandler(w http.ResponseWriter, r *http.Request) {
	backends := h.balancer.Backends()
	response := make([]BackendResponse, 0, len(backends))
	for _, b := range backends {
		response = append(response, toBackendResponse(b))
	}

	writeJSON(w, http.StatusOK, response)

	h.logger.WithFields(map[string]interface{}{
		"action": "list_backends",
		"count":  len(response),
	}).Debug("Listed backends")
}

// AddBackendHandler handles POST /admin/backends
func (h *AdminHandler) AddBackendHandler(w http.ResponseWriter, r *http.Request) {
	var req BackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	addr, err := domain.ParseInetAddr(req.Address)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, b := range h.balancer.Backends() {
		if b.Address == addr {
			h.writeErrorResponse(w, "backend '"+addr.String()+"' already exists", http.StatusConflict)
			return
		}
	}

	if err := h.balancer.AddBackend(addr, req.CheckPort); err != nil {
		h.writeErrorResponse(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, toBackendResponse(domain.NewBackend(addr, req.CheckPort)))

	h.logger.WithFields(map[string]interface{}{
		"action":     "add_backend",
		"backend":    addr.String(),
		"check_port": req.CheckPort,
	}).Info("Added backend")
}

// DeleteBackendHandler handles DELETE /admin/backends/{address}
func (h *AdminHandler) DeleteBackendHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseInetAddr(mux.Vars(r)["address"])
	if err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.balancer.RemoveBackend(addr); err != nil {
		h.writeErrorResponse(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)

	h.logger.WithFields(map[string]interface{}{
		"action":  "delete_backend",
		"backend": addr.String(),
	}).Info("Deleted backend")
}

// SetProbeTextHandler handles PUT /admin/health/probe-text
func (h *AdminHandler) SetProbeTextHandler(w http.ResponseWriter, r *http.Request) {
	var req ProbeTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	h.balancer.SetProbeText(req.Text)
	writeJSON(w, http.StatusOK, req)

	h.logger.WithField("length", len(req.Text)).Info("Probe text updated")
}

// CheckHandler handles POST /admin/health/check
func (h *AdminHandler) CheckHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	healthy := h.balancer.CheckAllBackends(r.Context())

	writeJSON(w, http.StatusOK, CheckResponse{
		Healthy:  healthy,
		Total:    len(h.balancer.Backends()),
		Duration: time.Since(start).String(),
		Time:     time.Now(),
	})
}

// TrafficHandler handles GET /admin/traffic/{client}
func (h *AdminHandler) TrafficHandler(w http.ResponseWriter, r *http.Request) {
	client := mux.Vars(r)["client"]
	if _, err := domain.ParseInetAddr(client); err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	bytes, ok := h.ledger.Traffic(client)
	if !ok {
		h.writeErrorResponse(w, "client '"+client+"' not tracked", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, TrafficResponse{
		Client:  client,
		Bytes:   bytes,
		Limited: h.ledger.IsLimited(client),
		Ceiling: h.ledger.Ceiling(),
	})
}

// GetStatsHandler handles GET /admin/stats
func (h *AdminHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	response := StatsResponse{
		Uptime:       time.Since(h.startTime).String(),
		Clients:      h.ledger.Clients(),
		LoadBalancer: h.balancer.GetStats(),
	}
	if h.connections != nil {
		response.Connections = h.connections.Count()
	}
	if h.routes != nil {
		response.Routes = h.routes.Routes()
		response.Mappings = h.routes.Mappings()
	}

	writeJSON(w, http.StatusOK, response)
}

func toBackendResponse(b *domain.Backend) BackendResponse {
	return BackendResponse{
		Address:         b.Address.String(),
		CheckAddress:    b.CheckAddr().String(),
		Status:          b.GetStatus().String(),
		Failures:        b.GetFailureCount(),
		Assigned:        b.GetAssigned(),
		LastHealthCheck: b.GetLastHealthCheck(),
	}
}

// statusFor maps error codes to HTTP statuses
func statusFor(err error) int {
	switch perrors.GetErrorCode(err) {
	case perrors.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case perrors.ErrCodeBackendUnavailable:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeErrorResponse writes a standardized error response
func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now(),
	})

	h.logger.WithFields(map[string]interface{}{
		"error": message,
		"code":  code,
	}).Warn("API error response")
}
