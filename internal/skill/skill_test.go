package skill

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func weatherManifest() *Manifest {
	return &Manifest{
		ID:       "weather",
		Name:     "Weather Skill",
		Endpoint: "ws://localhost:3980/api/skill/messages",
		Actions: []Action{
			{
				ID: "weather_forecast",
				Definition: ActionDefinition{
					Slots: []Slot{{Name: "location", Types: []string{"string"}}},
					Triggers: Triggers{
						Utterances: []Utterance{{Locale: "en", Text: []string{"what's the weather", "forecast for tomorrow"}}},
						Events:     []Event{{Name: "CheckWeather"}},
					},
				},
			},
			{
				ID: "weather_alerts",
				Definition: ActionDefinition{
					Slots: []Slot{{Name: "location"}, {Name: "severity"}},
				},
			},
		},
	}
}

func TestNewConfigurationRejectsMismatchedKey(t *testing.T) {
	_, err := NewConfiguration("http://host", map[string]*Manifest{"other": weatherManifest()})
	if err == nil {
		t.Fatal("expected key/id mismatch error")
	}

	cfg, err := NewConfiguration("http://host", map[string]*Manifest{"weather": weatherManifest()})
	if err != nil {
		t.Fatalf("NewConfiguration: %v", err)
	}
	if cfg.Len() != 1 {
		t.Fatalf("got %d skills, want 1", cfg.Len())
	}
	if _, ok := cfg.Get("weather"); !ok {
		t.Fatal("weather not found")
	}
}

func TestValidateRequiresFields(t *testing.T) {
	for _, m := range []*Manifest{
		{Name: "n", Endpoint: "e"},
		{ID: "i", Endpoint: "e"},
		{ID: "i", Name: "n"},
	} {
		if err := m.Validate(); err == nil {
			t.Errorf("expected error for %+v", m)
		}
	}
}

func TestConfigurationFromListRejectsDuplicates(t *testing.T) {
	_, err := ConfigurationFromList("", []*Manifest{weatherManifest(), weatherManifest()})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestActionAndSlots(t *testing.T) {
	m := weatherManifest()
	if _, err := m.Action("weather_forecast"); err != nil {
		t.Fatalf("Action: %v", err)
	}
	if _, err := m.Action("nope"); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("got %v, want ErrActionNotFound", err)
	}
	got := strings.Join(m.SlotNames(), ",")
	if got != "location,severity" {
		t.Fatalf("SlotNames = %q", got)
	}
}

func TestMatch(t *testing.T) {
	todo := &Manifest{ID: "todo", Name: "To Do", Endpoint: "ws://todo", Actions: []Action{{
		ID:         "add",
		Definition: ActionDefinition{Triggers: Triggers{Utterances: []Utterance{{Text: []string{"add milk to my shopping list"}}}}},
	}}}
	cfg, err := ConfigurationFromList("", []*Manifest{weatherManifest(), todo})
	if err != nil {
		t.Fatal(err)
	}

	m, ok := cfg.MatchUtterance("What's the weather like?")
	if !ok || m.Manifest.ID != "weather" {
		t.Fatalf("utterance matched %+v", m)
	}
	m, ok = cfg.MatchUtterance("put eggs on my shopping list")
	if !ok || m.Manifest.ID != "todo" {
		t.Fatalf("utterance matched %+v", m)
	}
	if _, ok := cfg.MatchUtterance("hi"); ok {
		t.Fatal("short words must not match")
	}

	m, ok = cfg.MatchEvent("CheckWeather")
	if !ok || m.Action.ID != "weather_forecast" {
		t.Fatalf("event matched %+v", m)
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("weather.json", `{"id":"weather","name":"Weather","endpoint":"ws://w","actions":[{"id":"f","definition":{"triggers":{"events":[{"name":"CheckWeather"}]}}}]}`)
	write("todo.yaml", "id: todo\nname: To Do\nendpoint: ws://t\nauthenticationConnections:\n  - id: Outlook\n    scopes: Tasks.ReadWrite\n")
	write("calendar/manifest.yml", "id: calendar\nname: Calendar\nendpoint: ws://c\n")
	write("README.md", "ignored")

	manifests, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	if len(manifests) != 3 {
		t.Fatalf("loaded %d manifests, want 3", len(manifests))
	}
	if manifests[0].ID != "calendar" || manifests[2].ID != "weather" {
		t.Fatalf("unexpected order: %s..%s", manifests[0].ID, manifests[2].ID)
	}
	conn, ok := manifests[1].AuthConnection()
	if !ok || conn.ID != "Outlook" {
		t.Fatalf("todo auth connection = %+v", conn)
	}

	write("broken.json", `{"id":"broken"}`)
	if _, err := LoadFromDir(dir); err == nil {
		t.Fatal("expected validation error for broken manifest")
	}
}

func TestLoadFromMissingDir(t *testing.T) {
	manifests, err := LoadFromDir(filepath.Join(t.TempDir(), "missing"))
	if err != nil || manifests != nil {
		t.Fatalf("got %v, %v", manifests, err)
	}
}

func TestFetchManifest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/skill/manifest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"weather","name":"Weather","msaAppId":"weather-skill","endpoint":"ws://w/api/skill"}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"weather"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	m, err := FetchManifest(context.Background(), ts.Client(), ts.URL+"/api/skill/manifest")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if m.ID != "weather" || m.MSAAppID != "weather-skill" || m.Endpoint != "ws://w/api/skill" {
		t.Fatalf("fetched %+v", m)
	}

	if _, err := FetchManifest(context.Background(), ts.Client(), ts.URL+"/broken"); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := FetchManifest(context.Background(), ts.Client(), ts.URL+"/missing"); err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("missing manifest error = %v", err)
	}
}

func TestFormatList(t *testing.T) {
	out := FormatList([]*Manifest{weatherManifest()})
	if !strings.Contains(out, "Weather Skill") {
		t.Fatalf("FormatList = %q", out)
	}
	if FormatList(nil) == "" {
		t.Fatal("expected placeholder text")
	}
}
