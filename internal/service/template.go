package service

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"
)

// Token syntax: {{var}}, {{q.field}}, {{q.ref[UUID].field}}.
var (
	tokenRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)
	refRe   = regexp.MustCompile(`^q\.ref\[([0-9a-fA-F-]{36})\]\.(\w+)$`)
)

// TemplateVars is the layered variable map for one render. Layers are
// applied in order — prompt fields, static system vars, stored system
// vars, user-defined vars, caller-supplied vars — later layers override
// earlier ones.
type TemplateVars struct {
	layers []map[string]string
}

func NewTemplateVars(layers ...map[string]string) *TemplateVars {
	return &TemplateVars{layers: layers}
}

// Push adds a layer on top (highest precedence so far).
func (v *TemplateVars) Push(layer map[string]string) {
	v.layers = append(v.layers, layer)
}

// Lookup resolves a key, later layers winning.
func (v *TemplateVars) Lookup(key string) (string, bool) {
	for i := len(v.layers) - 1; i >= 0; i-- {
		if val, ok := v.layers[i][key]; ok {
			return val, true
		}
	}
	return "", false
}

// RefResolver resolves {{q.ref[UUID].field}} tokens: prompt-id + field →
// value. The runner backs it with the trace context_snapshot first and the
// prompt store second.
type RefResolver func(promptID, field string) (string, bool)

// RenderTemplate substitutes tokens in text. Unknown tokens are left
// intact so a half-configured template fails visibly, not silently.
func RenderTemplate(text string, vars *TemplateVars, resolveRef RefResolver) string {
	return tokenRe.ReplaceAllStringFunc(text, func(match string) string {
		token := strings.TrimSpace(match[2 : len(match)-2])

		if m := refRe.FindStringSubmatch(token); m != nil {
			if resolveRef != nil {
				if val, ok := resolveRef(strings.ToLower(m[1]), m[2]); ok {
					return val
				}
			}
			return match
		}

		key := token
		// {{q.field}} is shorthand for the current prompt's own fields,
		// stored in the prompt-fields layer under the bare field name.
		if strings.HasPrefix(token, "q.") {
			key = strings.TrimPrefix(token, "q.")
		}
		if val, ok := vars.Lookup(key); ok {
			return val
		}
		return match
	})
}

// StaticSystemVars is the built-in variable layer available to every render.
func StaticSystemVars() map[string]string {
	now := time.Now().UTC()
	return map[string]string{
		"current_date": now.Format("2006-01-02"),
		"current_time": now.Format("15:04:05"),
	}
}

// StoredSystemVars loads the settings-store layer (keys prefixed var.*).
func StoredSystemVars(ctx context.Context, database *sql.DB) map[string]string {
	out := map[string]string{}
	rows, err := database.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE key LIKE 'var.%'`)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err == nil {
			out[strings.TrimPrefix(k, "var.")] = v
		}
	}
	return out
}
