//go:build !no_automation

package automation

import "time"

// ScriptMeta holds user-editable metadata for a script. It is stored as a
// JSON comment on the first line of the file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk as <id>.lua.
type Script struct {
	ID        string     `json:"id"`
	Meta      ScriptMeta `json:"meta"`
	LuaCode   string     `json:"lua_code"`
	UpdatedAt time.Time  `json:"updated_at,omitzero"`
	Running   bool       `json:"running"`
	FilePath  string     `json:"-"`
}
