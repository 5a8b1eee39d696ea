// Package snippet renders the storefront optimization script that gets
// injected into the theme layout.
package snippet

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"pagespeed/model"
)

//go:embed optimizer.js.tmpl
var optimizerJS string

var optimizerTmpl = template.Must(template.New("optimizer").Parse(optimizerJS))

// browserConfig is the object handed to every optimization function in the
// script.
type browserConfig struct {
	model.Settings
	CacheControl string `json:"cacheControl"`
}

// Validate reports settings the script cannot work with.
func Validate(s model.Settings) error {
	if s.ImageQuality < 1 || s.ImageQuality > 100 {
		return fmt.Errorf("imageQuality must be between 1 and 100, got %d", s.ImageQuality)
	}
	if s.CacheExpiration < 0 {
		return fmt.Errorf("cacheExpiration must not be negative, got %d", s.CacheExpiration)
	}
	return nil
}

// Render returns the script source for s, without the surrounding script
// tag.
func Render(s model.Settings) (string, error) {
	if err := Validate(s); err != nil {
		return "", err
	}

	cfg, err := json.Marshal(browserConfig{Settings: s, CacheControl: s.CacheControl()})
	if err != nil {
		return "", fmt.Errorf("encode script config: %w", err)
	}
	// json.Marshal escapes <, > and &, so cfg cannot close the script tag.

	var buf bytes.Buffer
	if err := optimizerTmpl.Execute(&buf, struct{ Config string }{Config: string(cfg)}); err != nil {
		return "", fmt.Errorf("render script: %w", err)
	}
	out := strings.TrimSpace(buf.String())
	if s.MinifyJS {
		out = compact(out)
	}
	return out, nil
}

// compact drops indentation and blank lines. The template has no multi-line
// string literals, so this never changes behavior.
func compact(src string) string {
	lines := strings.Split(src, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
