//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
	"time"

	"mff-controller/internal/controller"
)

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrInvalidID      = errors.New("invalid script id")
	ErrSyntax         = errors.New("lua syntax error")
)

var errDisabled = errors.New("automation disabled")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script.
type Script struct {
	ID        string     `json:"id"`
	Meta      ScriptMeta `json:"meta"`
	LuaCode   string     `json:"lua_code"`
	UpdatedAt time.Time  `json:"updated_at,omitzero"`
	Running   bool       `json:"running"`
	FilePath  string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }
func (m *Manager) List() ([]*Script, error)                 { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)            { return nil, ErrScriptNotFound }
func (m *Manager) Save(_ *Script) (*Script, error)          { return nil, errDisabled }
func (m *Manager) Delete(_ string) error                    { return errDisabled }

func CheckSyntax(_ string) error { return nil }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

func NewEngine(_ *controller.Controller, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }
func (e *Engine) Start()                                                     {}
func (e *Engine) Stop()                                                      {}
func (e *Engine) ReloadScript(_ string) error                                { return nil }
func (e *Engine) StopScript(_ string)                                        {}
func (e *Engine) Running(_ string) bool                                      { return false }

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}
