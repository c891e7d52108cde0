package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/engine"
	"ratewatch/internal/limiter"
	"ratewatch/internal/logging"
	"ratewatch/internal/metrics"
	"ratewatch/internal/monitor"
	"ratewatch/internal/notify"

	"github.com/go-chi/chi/v5"
)

const defaultHistoryLimit = 100

// Deps holds the components served by the admin API.
// Exporter, WebSocket, and Ingest are optional; nil skips their routes.
type Deps struct {
	Monitor    *monitor.Monitor
	Limiter    *limiter.Limiter
	Evaluator  *engine.Evaluator
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Registry
	Exporter   *metrics.Exporter
	Enforcer   string

	WebSocket     http.Handler
	WebSocketPath string
	Ingest        http.Handler
	IngestPath    string
	MetricsPath   string

	AdminToken string
	Ready      func() error
	Logger     *slog.Logger
}

// Server is the admin and observability HTTP surface.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates admin API handlers.
// Params: component dependencies.
// Returns: server whose Routes mounts every endpoint.
func NewServer(deps Deps) *Server {
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	if deps.WebSocketPath == "" {
		deps.WebSocketPath = "/ws"
	}
	if deps.IngestPath == "" {
		deps.IngestPath = "/ingest"
	}
	return &Server{deps: deps, logger: logging.Component(deps.Logger, "httpapi")}
}

// Routes builds the chi router. Optional middleware wraps every route.
func (s *Server) Routes(middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.deps.Exporter != nil {
		r.Method(http.MethodGet, s.deps.MetricsPath, s.deps.Exporter.Handler())
	}
	if s.deps.WebSocket != nil {
		r.Method(http.MethodGet, s.deps.WebSocketPath, s.deps.WebSocket)
	}
	if s.deps.Ingest != nil {
		r.Handle(strings.TrimSuffix(s.deps.IngestPath, "/")+"/{kind}", s.deps.Ingest)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/stats", s.handleStats)
		r.Get("/traffic/patterns", s.handlePatterns)
		r.Post("/monitor/reset", s.handleMonitorReset)
		r.Get("/limiter/identifiers/{id}", s.handleIdentifier)
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/active", s.handleActiveAlerts)
			r.Get("/history", s.handleAlertHistory)
			r.Post("/{id}/suppress", s.handleSuppress)
		})
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleRulesList)
			r.Post("/", s.handleRuleCreate)
			r.Put("/{id}", s.handleRuleUpdate)
			r.Delete("/{id}", s.handleRuleDelete)
		})
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleChannelsList)
			r.Post("/", s.handleChannelCreate)
			r.Delete("/{id}", s.handleChannelDelete)
		})
	})
	return r
}

// requireToken enforces the bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	token := s.deps.AdminToken
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ratewatch"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Traffic  domain.TrafficSnapshot       `json:"traffic"`
	Health   domain.HealthStatus          `json:"health"`
	Monitor  monitor.Statistics           `json:"monitor"`
	Limiter  limiter.Stats                `json:"limiter"`
	Enforcer string                       `json:"enforcer,omitempty"`
	Alerts   engine.Stats                 `json:"alerts"`
	Channels []domain.NotificationChannel `json:"channels"`
	Metrics  map[string]float64           `json:"metrics,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.deps.Monitor.Statistics()
	response := statsResponse{
		Traffic:  stats.Snapshot,
		Health:   stats.Health,
		Monitor:  stats,
		Limiter:  s.deps.Limiter.Stats(),
		Enforcer: s.deps.Enforcer,
		Alerts:   s.deps.Evaluator.Stats(),
		Channels: s.deps.Dispatcher.Channels(),
	}
	if s.deps.Metrics != nil {
		response.Metrics = s.deps.Metrics.Snapshot()
	}
	writeJSON(w, http.StatusOK, response)
}

type patternsResponse struct {
	domain.TrafficPatterns
	TopEndpoints   []monitor.Count `json:"topEndpoints"`
	TopIdentifiers []monitor.Count `json:"topIdentifiers"`
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	top := 10
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "top must be a positive integer")
			return
		}
		top = n
	}
	patterns := s.deps.Monitor.TrafficPatterns()
	writeJSON(w, http.StatusOK, patternsResponse{
		TrafficPatterns: patterns,
		TopEndpoints:    monitor.Top(patterns.Endpoints, top),
		TopIdentifiers:  monitor.Top(patterns.Identifiers, top),
	})
}

func (s *Server) handleMonitorReset(w http.ResponseWriter, _ *http.Request) {
	s.deps.Monitor.Reset()
	s.deps.Limiter.Reset()
	s.logger.Info("monitor and limiter state reset via admin api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleIdentifier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	profile, ok := s.deps.Limiter.Profile(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("identifier %q is not tracked", id))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Evaluator.ActiveAlerts())
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.deps.Evaluator.History(limit))
}

type suppressRequest struct {
	DurationSec int `json:"durationSec"`
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	var req suppressRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	alert, err := s.deps.Evaluator.SuppressAlert(chi.URLParam(r, "id"), time.Duration(req.DurationSec)*time.Second)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ruleRequest is the JSON form of one `[rule.<id>]` table.
type ruleRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Metric      string   `json:"metric"`
	Operator    string   `json:"operator"`
	Threshold   float64  `json:"threshold"`
	DurationSec int      `json:"durationSec"`
	Severity    string   `json:"severity"`
	Enabled     *bool    `json:"enabled"`
	Channels    []string `json:"channels"`
	SuppressSec int      `json:"suppressSec"`
}

func (req ruleRequest) toDomain() (domain.AlertRule, error) {
	return config.RuleConfig{
		ID:          strings.TrimSpace(req.ID),
		Name:        req.Name,
		Metric:      req.Metric,
		Operator:    req.Operator,
		Threshold:   req.Threshold,
		DurationSec: req.DurationSec,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
		Channels:    req.Channels,
		SuppressSec: req.SuppressSec,
	}.ToDomain()
}

func (s *Server) handleRulesList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Evaluator.Rules())
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := req.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Evaluator.AddRule(rule); err != nil {
		writeEngineError(w, err)
		return
	}
	created, err := s.deps.Evaluator.Rule(rule.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ID = id
	rule, err := req.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.deps.Evaluator.UpdateRule(id, rule)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Evaluator.RemoveRule(chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// channelRequest is the JSON form of one `[channel.<id>]` table.
type channelRequest struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Enabled    *bool              `json:"enabled"`
	Template   string             `json:"template"`
	TimeoutSec int                `json:"timeoutSec"`
	URL        string             `json:"url"`
	Method     string             `json:"method"`
	Headers    map[string]string  `json:"headers"`
	Retry      config.RetryConfig `json:"retry"`
	BotToken   string             `json:"botToken"`
	ChatID     string             `json:"chatId"`
	APIBase    string             `json:"apiBase"`
	BaseURL    string             `json:"baseUrl"`
	ChannelID  string             `json:"channelId"`
	SMTPHost   string             `json:"smtpHost"`
	SMTPPort   int                `json:"smtpPort"`
	Username   string             `json:"username"`
	Password   string             `json:"password"`
	From       string             `json:"from"`
	To         []string           `json:"to"`
}

func (req channelRequest) toConfig() config.ChannelConfig {
	return config.ChannelConfig{
		ID:         strings.TrimSpace(req.ID),
		Type:       strings.ToLower(strings.TrimSpace(req.Type)),
		Enabled:    req.Enabled,
		Template:   req.Template,
		TimeoutSec: req.TimeoutSec,
		URL:        req.URL,
		Method:     req.Method,
		Headers:    req.Headers,
		Retry:      req.Retry,
		BotToken:   req.BotToken,
		ChatID:     req.ChatID,
		APIBase:    req.APIBase,
		BaseURL:    req.BaseURL,
		ChannelID:  req.ChannelID,
		SMTPHost:   req.SMTPHost,
		SMTPPort:   req.SMTPPort,
		Username:   req.Username,
		Password:   req.Password,
		From:       req.From,
		To:         req.To,
	}
}

func (s *Server) handleChannelsList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Dispatcher.Channels())
}

func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := req.toConfig()
	if err := notify.AddChannelFromConfig(s.deps.Dispatcher, cfg, s.deps.Logger); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel, err := s.deps.Dispatcher.Channel(cfg.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Dispatcher.RemoveChannel(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, notify.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrRuleNotFound), errors.Is(err, engine.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrDuplicateRule):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
