package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/veil/internal/config"
	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/observe"
	"github.com/felixgeelhaar/veil/internal/provider"
	"github.com/felixgeelhaar/veil/internal/runtime"
	"github.com/felixgeelhaar/veil/internal/seal"
)

const fixtureYAML = `
- type: documentOpen
  document_id: alice-contract
  timestamp: 2026-03-01T09:00:00Z
  metadata:
    userId: alice
- type: templateSelect
  document_id: alice-contract
  timestamp: 2026-03-01T09:00:05Z
  metadata:
    userId: alice
    templateName: NDA
- type: documentSave
  document_id: alice-contract
  timestamp: 2026-03-01T09:01:00Z
  metadata:
    userId: alice
    email: alice@example.com
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	t.Cleanup(func() {
		RootCmd.SetArgs(nil)
		configPath, dataDir = "", ""
		embedderName, modelName = "", ""
		searchType, searchLimit = "", 10
		olderThan = 0
	})
	err := RootCmd.Execute()
	return out.String(), err
}

func TestLoadActions(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	t.Run("YAML", func(t *testing.T) {
		actions, err := loadActions(writeFile(t, dir, "a.yaml", fixtureYAML), now)
		if err != nil {
			t.Fatalf("loadActions failed: %v", err)
		}
		if len(actions) != 3 {
			t.Fatalf("expected 3 actions, got %d", len(actions))
		}
		if actions[1].Type != event.TemplateSelect || actions[1].Metadata["templateName"] != "NDA" {
			t.Errorf("unexpected action %+v", actions[1])
		}
		if !actions[0].Timestamp.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
			t.Errorf("expected fixture timestamp, got %s", actions[0].Timestamp)
		}
	})

	t.Run("JSON Without Timestamps", func(t *testing.T) {
		path := writeFile(t, dir, "a.json", `[{"type":"documentOpen","document_id":"d1"},{"type":"documentSave","document_id":"d1"}]`)
		actions, err := loadActions(path, now)
		if err != nil {
			t.Fatalf("loadActions failed: %v", err)
		}
		if !actions[0].Timestamp.Equal(now.Add(-2*time.Second)) || !actions[1].Timestamp.Equal(now.Add(-time.Second)) {
			t.Errorf("expected spaced timestamps, got %s and %s", actions[0].Timestamp, actions[1].Timestamp)
		}
	})

	t.Run("Unsupported Extension", func(t *testing.T) {
		if _, err := loadActions(writeFile(t, dir, "a.txt", "x"), now); err == nil {
			t.Error("expected error for .txt")
		}
	})

	t.Run("Unknown Type", func(t *testing.T) {
		path := writeFile(t, dir, "bad.yaml", "- type: teleport\n  document_id: d1\n")
		if _, err := loadActions(path, now); err == nil {
			t.Error("expected error for unknown event type")
		}
	})
}

type fakeConfig map[string]string

func (f fakeConfig) GetConfig(key string) (string, error) {
	if v, ok := f["error"]; ok {
		return "", errors.New(v)
	}
	return f[key], nil
}

func TestResolveAPIKey(t *testing.T) {
	sealer, err := seal.NewMachineSealer()
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	sealed, err := sealer.Seal("openai.api_key", "sk-sealed-123456")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	tests := []struct {
		name     string
		store    fakeConfig
		settings provider.Settings
		expected string
		wantErr  bool
	}{
		{"Sealed", fakeConfig{"openai.api_key": sealed}, provider.Settings{Name: "openai"}, "sk-sealed-123456", false},
		{"Plain", fakeConfig{"gemini.api_key": "plain-key"}, provider.Settings{Name: "gemini"}, "plain-key", false},
		{"Env Wins", fakeConfig{"openai.api_key": sealed}, provider.Settings{Name: "openai", APIKey: "from-env"}, "from-env", false},
		{"Stub Skipped", fakeConfig{"error": "unused"}, provider.Settings{Name: "stub"}, "", false},
		{"Not Stored", fakeConfig{}, provider.Settings{Name: "openai"}, "", false},
		{"Wrong Field", fakeConfig{"gemini.api_key": sealed}, provider.Settings{Name: "gemini"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.settings
			err := resolveAPIKey(tt.store, &s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if s.APIKey != tt.expected {
				t.Errorf("expected key %q, got %q", tt.expected, s.APIKey)
			}
		})
	}
}

func TestRunner(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Index.Salt = "test-salt"

	s, err := openIndex(&cfg)
	if err != nil {
		t.Fatalf("openIndex failed: %v", err)
	}
	defer s.Close()

	base := time.Now().Add(-time.Hour)
	var actions []event.UserAction
	for i := 0; i < 24; i++ {
		actions = append(actions, event.UserAction{
			Type:       []event.EventType{event.DocumentOpen, event.DocumentEdit, event.DocumentSave}[i%3],
			DocumentID: fmt.Sprintf("user%d-doc", i%4),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Metadata:   map[string]string{event.UserKey: fmt.Sprintf("user%d", i%4)},
		})
	}
	actions = append(actions, event.UserAction{Type: event.DocumentOpen, Timestamp: base})

	r := NewRunner(observe.Nop(), cfg, s, actions, nil)
	snap, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if snap.Status != runtime.StatusStopped {
		t.Errorf("expected stopped, got %s", snap.Status)
	}
	if snap.Processing.ProcessedEvents != 24 {
		t.Errorf("expected 24 processed events, got %d", snap.Processing.ProcessedEvents)
	}

	archives, err := s.ListArchives("UserRecords")
	if err != nil || len(archives) == 0 {
		t.Errorf("expected archived batches, got %d (%v)", len(archives), err)
	}
	raw, _ := s.GetConfig(runtime.LastRunKey)
	run, err := runtime.ParseRunState(raw)
	if err != nil {
		t.Fatalf("expected persisted run: %v", err)
	}
	if run.Indexed != 24 || run.Dropped != 1 {
		t.Errorf("expected 24 indexed and 1 dropped, got %d and %d", run.Indexed, run.Dropped)
	}

	var buf bytes.Buffer
	printSummary(&buf, snap)
	if !strings.Contains(buf.String(), "invalidAction=1") {
		t.Errorf("expected drop reason in summary, got:\n%s", buf.String())
	}
}

func TestCLI_Root(t *testing.T) {
	want := map[string]bool{"replay": false, "search": false, "stats": false, "cleanup": false, "config": false}
	for _, cmd := range RootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s command not registered", name)
		}
	}
}

func TestCLI_Config(t *testing.T) {
	dir := t.TempDir()

	if _, err := execute(t, "--data-dir", dir, "config", "set", "openai.api_key", "sk-1234567890abcdef"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	out, err := execute(t, "--data-dir", dir, "config", "get", "openai.api_key")
	if err != nil {
		t.Fatalf("config get failed: %v", err)
	}
	if strings.TrimSpace(out) != "sk-1...cdef" {
		t.Errorf("expected masked key, got %q", out)
	}

	cfg := config.Default(dir)
	s, err := getStore(cfg, nil)
	if err != nil {
		t.Fatalf("getStore failed: %v", err)
	}
	stored, _ := s.GetConfig("openai.api_key")
	s.Close()
	if !seal.IsSealed(stored) || strings.Contains(stored, "sk-1234567890abcdef") {
		t.Errorf("expected key sealed at rest, got %q", stored)
	}

	out, _ = execute(t, "--data-dir", dir, "config", "get", "missing")
	if strings.TrimSpace(out) != "(not set)" {
		t.Errorf("expected (not set), got %q", out)
	}
}

func TestCLI_ReplaySearchStats(t *testing.T) {
	dir := t.TempDir()
	fixture := writeFile(t, t.TempDir(), "actions.yaml", fixtureYAML)

	out, err := execute(t, "--data-dir", dir, "replay", fixture, "--embedder", "stub")
	if err != nil {
		t.Fatalf("replay failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, ": stopped") || !strings.Contains(out, "processed:  3") {
		t.Errorf("unexpected replay summary:\n%s", out)
	}

	out, err = execute(t, "--data-dir", dir, "search", "document save", "--type", "documentSave")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 1 || !strings.Contains(out, "documentSave") {
		t.Errorf("expected one documentSave hit, got:\n%s", out)
	}

	out, err = execute(t, "--data-dir", dir, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	for _, want := range []string{"Indexed documents: 3", "Relationships:     2", "Last run"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in stats, got:\n%s", want, out)
		}
	}

	out, err = execute(t, "--data-dir", dir, "cleanup", "--older-than", "1h")
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !strings.Contains(out, "Deleted 0 workflow records") {
		t.Errorf("expected nothing deleted, got %q", out)
	}
}
