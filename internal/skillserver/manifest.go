package skillserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nidhogg/skillrelay/internal/skill"
)

// DefaultSkillPath is where a skill serves its websocket channel.
const DefaultSkillPath = "/api/skill"

// ManifestOptions fills in the parts of a manifest only the running skill
// knows.
type ManifestOptions struct {
	// AppID is published as msaAppId.
	AppID string
	// BaseURL is the public http(s) base of the skill. Empty derives it
	// from each request's host and scheme.
	BaseURL string
	// Path is the channel path appended to the base. Empty means
	// DefaultSkillPath.
	Path string
	// HTTP publishes an http(s) endpoint instead of ws(s).
	HTTP bool
}

type manifestHandler struct {
	tmpl skill.Manifest
	opts ManifestOptions
}

// NewManifestHandler serves tmpl as the skill's manifest with its endpoint,
// app id and icon URL resolved against the running host. The template
// needs an id and a name; its own endpoint is ignored.
func NewManifestHandler(tmpl *skill.Manifest, opts ManifestOptions) (http.Handler, error) {
	if tmpl == nil || tmpl.ID == "" {
		return nil, errors.New("manifest template has no id")
	}
	if tmpl.Name == "" {
		return nil, fmt.Errorf("manifest template %s has no name", tmpl.ID)
	}
	if opts.AppID == "" {
		return nil, fmt.Errorf("manifest %s: app id is required", tmpl.ID)
	}
	if opts.Path == "" {
		opts.Path = DefaultSkillPath
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &manifestHandler{tmpl: *tmpl, opts: opts}, nil
}

func (h *manifestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.manifest(r))
}

func (h *manifestHandler) manifest(r *http.Request) *skill.Manifest {
	base := h.opts.BaseURL
	if base == "" {
		base = requestScheme(r) + "://" + r.Host
	}

	m := h.tmpl
	m.MSAAppID = h.opts.AppID
	m.Endpoint = base + h.opts.Path
	if !h.opts.HTTP {
		m.Endpoint = websocketURL(m.Endpoint)
	}
	if m.IconURL != "" && !strings.Contains(m.IconURL, "://") {
		m.IconURL = base + "/" + strings.TrimLeft(m.IconURL, "/")
	}
	return &m
}

func requestScheme(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p == "https" || p == "http" {
		return p
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func websocketURL(u string) string {
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "ws://" + rest
	}
	return u
}
