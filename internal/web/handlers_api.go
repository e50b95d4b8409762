package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"mff-controller/internal/apt"
	"mff-controller/internal/controller"
	"mff-controller/internal/transport"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

type stateResponse struct {
	Device  any                         `json:"device"`
	Fields  map[string]controller.Value `json:"fields"`
	Polling []string                    `json:"polling"`
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	dev := s.ctrl.DeviceInfo()
	resp := stateResponse{Fields: s.ctrl.Snapshot(), Polling: s.ctrl.Polling()}
	if dev.SerialNo != "" {
		resp.Device = dev
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIListFields(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.fieldViews())
}

func (s *Server) handleAPIGetField(w http.ResponseWriter, r *http.Request) {
	v, ok := s.fieldView(r.PathValue("name"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown field"})
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

type writeFieldRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleAPIWriteField(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req writeFieldRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value is required"})
		return
	}
	if err := s.ctrl.Write(r.Context(), name, req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	v, _ := s.fieldView(name)
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIRefreshField(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.ctrl.Refresh(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	v, _ := s.fieldView(name)
	s.writeJSON(w, http.StatusOK, v)
}

type setPositionRequest struct {
	Position *bool  `json:"position"`
	State    string `json:"state"`
}

func (s *Server) handleAPISetPosition(w http.ResponseWriter, r *http.Request) {
	var req setPositionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	var desired bool
	switch {
	case req.Position != nil:
		desired = *req.Position
	case strings.EqualFold(req.State, "ON"):
		desired = true
	case strings.EqualFold(req.State, "OFF"):
		desired = false
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": `expected "position" (bool) or "state" (ON/OFF)`})
		return
	}
	if err := s.ctrl.SetPosition(r.Context(), desired); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "position": desired})
}

func (s *Server) handleAPIIdentify(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Identify(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev := s.ctrl.DeviceInfo()
	if dev.SerialNo == "" {
		s.writeError(w, controller.ErrNoDevice)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	var req renameDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.FriendlyName)
	if len(name) > 64 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "friendly_name limited to 64 characters"})
		return
	}
	if err := s.ctrl.RenameDevice(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.DeviceInfo())
}

// decodeBody reads a JSON body into v. Numbers stay json.Number so integer
// fields keep their precision.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// statusFor maps controller and transport errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknownField):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrNotWritable),
		errors.Is(err, controller.ErrNotReadable),
		errors.Is(err, controller.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrNoDevice):
		return http.StatusConflict
	case errors.Is(err, controller.ErrClosed), errors.Is(err, transport.ErrClosed), errors.Is(err, transport.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrTransport),
		errors.Is(err, apt.ErrMalformedResponse),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		msg = "internal server error"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
