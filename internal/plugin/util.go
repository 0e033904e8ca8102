package plugin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/google/renameio/v2"

	gojson "github.com/goccy/go-json"
)

// ParseJSONRequest is parse_json's argument.
type ParseJSONRequest struct {
	Text string `json:"text"`
}

// ParseJSON decodes an arbitrary JSON document into a generic value, for
// plugins that receive JSON as opaque text (e.g. an RPC response body) and
// need structured access without shelling out to a parser themselves.
// Uses goccy/go-json, consistent with the rest of the host process's JSON
// handling outside the strict-schema decode path.
func (b *Bridge) ParseJSON(raw []byte) (any, error) {
	var req ParseJSONRequest
	if err := decodeStrict(raw, &req); err != nil {
		return nil, err
	}
	var out any
	if err := gojson.Unmarshal([]byte(req.Text), &out); err != nil {
		return nil, fmt.Errorf("plugin: parse_json: %w", err)
	}
	return out, nil
}

// ParseHexRequest is parse_hex's argument.
type ParseHexRequest struct {
	Text string `json:"text"`
}

// ParseHex decodes a hex string into raw bytes.
func (b *Bridge) ParseHex(raw []byte) ([]byte, error) {
	var req ParseHexRequest
	if err := decodeStrict(raw, &req); err != nil {
		return nil, err
	}
	out, err := hex.DecodeString(req.Text)
	if err != nil {
		return nil, fmt.Errorf("plugin: parse_hex: %w", err)
	}
	return out, nil
}

// SanitizeShParamRequest is sanitize_sh_param's argument.
type SanitizeShParamRequest struct {
	Value string `json:"value"`
}

// shSafeChar is the whitelist of characters sanitize_sh_param allows
// through unmodified: alphanumerics plus a small set of punctuation safe
// to interpolate into a double-quoted shell string. Anything else is
// rejected rather than escaped, since a plugin asking to sanitize a value
// almost always wants "is this safe", not "make this safe by force".
func shSafeChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-' || r == '_' || r == '/' || r == ':' || r == '=' || r == '@':
		return true
	default:
		return false
	}
}

// SanitizeShParam rejects any value containing a character outside the
// shell-safe whitelist. There is no corpus precedent for this host
// function — it is spec-literal, not grounded on a teacher pattern.
func (b *Bridge) SanitizeShParam(raw []byte) (string, error) {
	var req SanitizeShParamRequest
	if err := decodeStrict(raw, &req); err != nil {
		return "", err
	}
	for _, r := range req.Value {
		if !shSafeChar(r) {
			return "", fmt.Errorf("%w: sanitize_sh_param: disallowed character %q", ErrSchema, r)
		}
	}
	return req.Value, nil
}

// RenderTemplateRequest is render_template's argument (§4.7:
// render_template(template_path, dest_path, params_map) — read a template
// file, substitute params, atomically replace the destination file). Both
// paths are scoped to the node's protocol data directory, same as
// file_read/file_write.
type RenderTemplateRequest struct {
	TemplatePath string         `json:"template_path"`
	DestPath     string         `json:"dest_path"`
	Params       map[string]any `json:"params_map,omitempty"`
}

// RenderTemplate reads the template at template_path, substitutes
// params_map, and atomically replaces dest_path with the result. Plain
// stdlib text/template — no templating library appears anywhere in the
// corpus, and a plugin-facing template language has no business
// round-tripping through HTML escaping, so text/template over html/template
// is the deliberate choice. The destination write reuses file_write's
// atomic-replace discipline (renameio), since a plugin depending on
// render_template to materialize a config file needs the same
// crash-consistency guarantee as the host's own state.
func (b *Bridge) RenderTemplate(raw []byte) error {
	var req RenderTemplateRequest
	if err := decodeStrict(raw, &req); err != nil {
		return err
	}

	srcPath, err := resolveUnderRoot(b.protocolDataRoot, req.TemplatePath)
	if err != nil {
		return err
	}
	body, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("plugin: render_template: read template: %w", err)
	}

	tmpl, err := template.New(filepath.Base(srcPath)).Parse(string(body))
	if err != nil {
		return fmt.Errorf("plugin: render_template: parse: %w", err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, req.Params); err != nil {
		return fmt.Errorf("plugin: render_template: execute: %w", err)
	}

	destPath, err := resolveUnderRoot(b.protocolDataRoot, req.DestPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("plugin: render_template: mkdir: %w", err)
	}
	if err := renameio.WriteFile(destPath, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("plugin: render_template: write dest: %w", err)
	}
	return nil
}
