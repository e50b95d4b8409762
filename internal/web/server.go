package web

import (
	"bytes"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"mff-controller/internal/automation"
	"mff-controller/internal/controller"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication for /api/ endpoints.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origins for mutating requests and WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server is the HTTP front end of the controller.
type Server struct {
	ctrl           *controller.Controller
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	metrics        http.Handler
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// FieldView is a field descriptor joined with its cached value.
type FieldView struct {
	controller.FieldInfo
	Value     any       `json:"value"`
	Valid     bool      `json:"valid"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Error     string    `json:"error,omitempty"`
	ErrorAt   time.Time `json:"error_at,omitzero"`
}

// Display renders the value for humans, using the boolean labels if any.
func (v FieldView) Display() string {
	if !v.Valid {
		return "unknown"
	}
	if b, ok := v.Value.(bool); ok {
		switch {
		case b && v.TrueLabel != "":
			return v.TrueLabel
		case !b && v.FalseLabel != "":
			return v.FalseLabel
		}
	}
	return strings.TrimSpace(fmt.Sprint(v.Value))
}

// NewServer creates the web server and starts its WebSocket hub.
func NewServer(ctrl *controller.Controller, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Each page gets its own clone of the layout so {{define "content"}} blocks don't collide.
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"index.html", "automations.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		ctrl:      ctrl,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = ctrl.Events().OnAll(s.wsHub.Publish)

	s.routes()
	return s, nil
}

// Stop shuts down the WebSocket hub and waits for it to exit.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /automations", s.handleAutomationsPage)

	s.mux.HandleFunc("GET /api/state", s.handleAPIState)
	s.mux.HandleFunc("GET /api/fields", s.handleAPIListFields)
	s.mux.HandleFunc("GET /api/fields/{name}", s.handleAPIGetField)
	s.mux.HandleFunc("PUT /api/fields/{name}", s.handleAPIWriteField)
	s.mux.HandleFunc("POST /api/fields/{name}/refresh", s.handleAPIRefreshField)
	s.mux.HandleFunc("POST /api/position", s.handleAPISetPosition)
	s.mux.HandleFunc("POST /api/identify", s.handleAPIIdentify)
	s.mux.HandleFunc("GET /api/device", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/device", s.handleAPIRenameDevice)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Pages, static files and the WebSocket stay open: browsers cannot send
	// custom headers on navigation or upgrade.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// fieldViews joins every descriptor with its cached value, in registration order.
func (s *Server) fieldViews() []FieldView {
	snap := s.ctrl.Snapshot()
	fields := s.ctrl.Fields()
	views := make([]FieldView, 0, len(fields))
	for _, f := range fields {
		views = append(views, newFieldView(f, snap[f.Name]))
	}
	return views
}

func newFieldView(f controller.FieldDescriptor, v controller.Value) FieldView {
	return FieldView{
		FieldInfo: f.Info(),
		Value:     v.Value,
		Valid:     v.Valid,
		UpdatedAt: v.UpdatedAt,
		Error:     v.Error,
		ErrorAt:   v.ErrorAt,
	}
}

func (s *Server) fieldView(name string) (FieldView, bool) {
	f, ok := s.ctrl.Field(name)
	if !ok {
		return FieldView{}, false
	}
	return newFieldView(f, s.ctrl.Snapshot()[name]), true
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	views := s.fieldViews()
	var control, info []FieldView
	for _, v := range views {
		if v.Group == "" {
			control = append(control, v)
		} else {
			info = append(info, v)
		}
	}
	dev := s.ctrl.DeviceInfo()
	title := "Flip mount"
	if dev.SerialNo != "" {
		title = dev.Name()
	}

	s.renderTemplate(w, "index.html", map[string]any{
		"PageTitle": title,
		"Device":    dev,
		"Control":   control,
		"Info":      info,
		"Polling":   s.ctrl.Polling(),
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data map[string]any) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data["Version"] = s.version
	if s.apiKey != "" {
		data["APIKey"] = s.apiKey
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
