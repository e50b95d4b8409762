//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/gopher-lua/parse"
)

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrInvalidID      = errors.New("invalid script id")
	ErrSyntax         = errors.New("lua syntax error")
)

const metaPrefix = "-- {"

// validScriptID checks that a script ID is safe to use as a filename component.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

// Manager loads and stores automation scripts in a directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// List returns every parseable script, ordered by ID.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		s, err := m.parseFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get returns a single script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.parseFile(m.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s, err
}

// Save checks the Lua syntax and writes the script. A script without an ID
// gets one derived from its name.
func (m *Manager) Save(s *Script) (*Script, error) {
	if err := CheckSyntax(s.LuaCode); err != nil {
		return nil, err
	}
	if s.ID != "" && !validScriptID(s.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, s.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.uniqueID(slugify(s.Meta.Name))
	}
	s.FilePath = m.path(s.ID)

	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(serializeScript(s)), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write script: %w", err)
	}
	if fi, err := os.Stat(s.FilePath); err == nil {
		s.UpdatedAt = fi.ModTime()
	}
	return s, nil
}

// Delete removes a script file by ID.
func (m *Manager) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".lua")
}

// uniqueID returns base, or base_N if a file with that ID exists. mu must be held.
func (m *Manager) uniqueID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

func (m *Manager) parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := parseScript(string(data))
	s.ID = strings.TrimSuffix(filepath.Base(path), ".lua")
	s.FilePath = path
	if fi, err := os.Stat(path); err == nil {
		s.UpdatedAt = fi.ModTime()
	}
	if s.Meta.Name == "" {
		s.Meta.Name = s.ID
	}
	return s, nil
}

// parseScript splits a file into its metadata line and Lua body. A file
// without a metadata line is a disabled script.
func parseScript(content string) *Script {
	s := &Script{}
	head, body, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(head, metaPrefix) {
		s.LuaCode = content
		return s
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(head, "-- ")), &s.Meta); err != nil {
		// Keep the line as code so nothing the user wrote is lost.
		s.LuaCode = content
		return s
	}
	s.LuaCode = strings.TrimLeft(body, "\n")
	return s
}

func serializeScript(s *Script) string {
	var b strings.Builder
	meta, _ := json.Marshal(s.Meta)
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// CheckSyntax parses code without running it.
func CheckSyntax(code string) error {
	if _, err := parse.Parse(strings.NewReader(code), "<script>"); err != nil {
		return fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	return nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
