package web

import (
	"errors"
	"net/http"

	"mff-controller/internal/automation"
)

func (s *Server) handleAutomationsPage(w http.ResponseWriter, r *http.Request) {
	scripts := s.listScripts()
	s.renderTemplate(w, "automations.html", map[string]any{
		"PageTitle": "Automations",
		"Scripts":   scripts,
		"Enabled":   s.scriptMgr != nil,
	})
}

// listScripts returns the stored scripts with their running state filled in.
func (s *Server) listScripts() []*automation.Script {
	if s.scriptMgr == nil {
		return nil
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		return nil
	}
	for _, sc := range scripts {
		s.markRunning(sc)
	}
	return scripts
}

func (s *Server) markRunning(sc *automation.Script) {
	if s.autoEngine != nil {
		sc.Running = s.autoEngine.Running(sc.ID)
	}
}

// scriptError maps manager errors to a response.
func (s *Server) scriptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
	case errors.Is(err, automation.ErrInvalidID), errors.Is(err, automation.ErrSyntax):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("script request", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) automationsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return false
	}
	return true
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	scripts := s.listScripts()
	if scripts == nil {
		scripts = []*automation.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.markRunning(script)
	s.writeJSON(w, http.StatusOK, script)
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// reload restarts or stops a script after it was saved. A script that fails
// to start is still saved; the error is reported in the response.
func (s *Server) reload(script *automation.Script) string {
	if err := s.autoEngine.ReloadScript(script.ID); err != nil {
		s.logger.Warn("reload script", "id", script.ID, "err", err)
		s.markRunning(script)
		return err.Error()
	}
	s.markRunning(script)
	return ""
}

type saveAutomationResponse struct {
	*automation.Script
	StartError string `json:"start_error,omitempty"`
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, saveAutomationResponse{Script: saved, StartError: s.reload(saved)})
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, err)
		return
	}
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saveAutomationResponse{Script: saved, StartError: s.reload(saved)})
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	s.autoEngine.StopScript(id)
	if err := s.scriptMgr.Delete(id); err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, err)
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saveAutomationResponse{Script: saved, StartError: s.reload(saved)})
}

// handleAPIRunAutomation runs a stored script once, or the body's lua_code
// when id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}
	if _, err := s.scriptMgr.Get(id); err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}
