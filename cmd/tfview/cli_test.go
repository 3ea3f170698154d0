package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tfview/internal/config"
	"tfview/pkg/artifact"
	"tfview/pkg/event"
	"tfview/pkg/types"
)

func env(kv map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

// captureConfig runs serve with RunE replaced so only flag/env/file
// resolution is exercised.
func captureConfig(t *testing.T, lookup lookupFunc, args ...string) config.Config {
	t.Helper()
	root := buildRootCmd(lookup)
	var got config.Config
	for _, c := range root.Commands() {
		if c.Name() == "serve" {
			c.RunE = func(cmd *cobra.Command, _ []string) error {
				var err error
				got, err = resolveConfig(cmd, lookup)
				return err
			}
		}
	}
	root.SetArgs(append([]string{"serve"}, args...))
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	return got
}

func TestResolveConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tfview.yaml")
	yml := "addr: \":9000\"\nmodel: fromfile\nreplay_limit: 5\ncors_origins: [\"http://a\"]\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := captureConfig(t, env(nil), "--config", path)
	if cfg.Addr != ":9000" || cfg.Model != "fromfile" || cfg.ReplayLimit != 5 || len(cfg.CORSOrigins) != 1 {
		t.Fatalf("file values not applied: %+v", cfg)
	}

	cfg = captureConfig(t, env(map[string]string{"TFVIEW_MODEL": "fromenv", "TFVIEW_REPLAY_LIMIT": "7"}), "--config", path)
	if cfg.Model != "fromenv" || cfg.ReplayLimit != 7 || cfg.Addr != ":9000" {
		t.Fatalf("env did not override file: %+v", cfg)
	}

	cfg = captureConfig(t, env(map[string]string{"TFVIEW_MODEL": "fromenv"}), "--config", path,
		"--model", "fromflag", "--cors-origins", "http://b, http://c", "--replay-limit", "0")
	if cfg.Model != "fromflag" || cfg.ReplayLimit != 0 || len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://c" {
		t.Fatalf("flags did not override env: %+v", cfg)
	}
}

func TestResolveConfig_Defaults(t *testing.T) {
	cfg := captureConfig(t, env(nil))
	if cfg.Addr != config.DefaultAddr || cfg.Model != config.DefaultModel || cfg.MaxMessageBytes != config.DefaultMaxMessageBytes {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestResolveConfig_BadEnv(t *testing.T) {
	root := buildRootCmd(env(map[string]string{"TFVIEW_REPLAY_LIMIT": "lots"}))
	root.SetArgs([]string{"version"})
	root.SetOut(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for malformed TFVIEW_REPLAY_LIMIT")
	}
}

func TestVersionCommand(t *testing.T) {
	root := buildRootCmd(env(nil))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out.String()) != "tfview "+version {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestModelsCommand(t *testing.T) {
	publish := t.TempDir()
	store, err := artifact.NewStore(publish, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	saver, err := modelSaver(config.Config{Model: "mpg"})
	if err != nil {
		t.Fatalf("saver: %v", err)
	}
	if _, err := store.Publish(context.Background(), "mpg", saver); err != nil {
		t.Fatalf("publish: %v", err)
	}

	root := buildRootCmd(env(nil))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"models", "--publish", publish})
	if err := root.Execute(); err != nil {
		t.Fatalf("models: %v", err)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if len(resp.Models) != 1 || resp.Models[0].Name != "mpg" || resp.Models[0].URL != "/models/mpg/model.json" {
		t.Fatalf("unexpected models: %+v", resp.Models)
	}
}

func TestModelsCommand_Table(t *testing.T) {
	publish := t.TempDir()
	store, err := artifact.NewStore(publish, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	saver, _ := modelSaver(config.Config{Model: "mpg"})
	if _, err := store.Publish(context.Background(), "mpg", saver); err != nil {
		t.Fatalf("publish: %v", err)
	}

	root := buildRootCmd(env(nil))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"models", "--publish", publish, "-o", "table"})
	if err := root.Execute(); err != nil {
		t.Fatalf("models: %v", err)
	}
	got := out.String()
	if !strings.Contains(strings.ToUpper(got), "NAME") || !strings.Contains(got, "/models/mpg/model.json") {
		t.Fatalf("unexpected table:\n%s", got)
	}

	root = buildRootCmd(env(nil))
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"models", "--publish", publish, "-o", "xml"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestResolveConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TFVIEW_MODEL=fromdotenv\nTFVIEW_REPLAY_LIMIT=3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := captureConfig(t, env(map[string]string{"TFVIEW_REPLAY_LIMIT": "9"}), "--env-file", path)
	if cfg.Model != "fromdotenv" || cfg.ReplayLimit != 9 {
		t.Fatalf("env file not layered under environment: %+v", cfg)
	}

	root := buildRootCmd(env(nil))
	root.SetArgs([]string{"version", "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestServe_WatchNeedsModelDir(t *testing.T) {
	root := buildRootCmd(env(nil))
	root.SetArgs([]string{"serve", "--watch", "--publish", t.TempDir()})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--model-dir") {
		t.Fatalf("expected --model-dir error, got %v", err)
	}
}

type recordingRepublisher struct {
	calls chan artifact.Saver
}

func (r *recordingRepublisher) Republish(_ context.Context, m artifact.Saver) (string, error) {
	r.calls <- m
	return "/models/mpg/model.json", nil
}

func TestWatchModelDir(t *testing.T) {
	if _, err := watchModelDir(context.Background(), &recordingRepublisher{}, artifact.Layers{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for non-directory model")
	}

	dir := t.TempDir()
	rec := &recordingRepublisher{calls: make(chan artifact.Saver, 8)}
	w, err := watchModelDir(context.Background(), rec, artifact.Dir(dir), zerolog.Nop())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()
	if err := os.WriteFile(filepath.Join(dir, "model.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-rec.calls:
		if got != artifact.Dir(dir) {
			t.Fatalf("republished %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("model dir change not republished")
	}
}

func TestModelSaver(t *testing.T) {
	if _, err := modelSaver(config.Config{ModelDir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected error for missing model dir")
	}
	dir := t.TempDir()
	saver, err := modelSaver(config.Config{ModelDir: dir})
	if err != nil {
		t.Fatalf("saver: %v", err)
	}
	if _, ok := saver.(artifact.Dir); !ok {
		t.Fatalf("expected Dir saver, got %T", saver)
	}
}

type recordingEmitter struct {
	emitted, replaced []event.Event
}

func (r *recordingEmitter) Emit(ev event.Event)    { r.emitted = append(r.emitted, ev) }
func (r *recordingEmitter) Replace(ev event.Event) { r.replaced = append(r.replaced, ev) }

func TestRelay(t *testing.T) {
	in := strings.Join([]string{
		`{"name":"scatterplot","payload":{"container":{"selector":"#panel2","name":"Horsepower v MPG"},"data":{"values":[{"x":1,"y":2}]},"options":{"xLabel":"x","yLabel":"y"}}}`,
		``,
		`not json`,
		`{"name":"scatterplot","payload":{"container":{}}}`,
		`{"name":"nope","payload":{}}`,
		`{"name":"trainFinished","payload":{"modelUrl":"/models/final/model.json"},"replace":true}`,
	}, "\n")
	rec := &recordingEmitter{}
	n, err := relay(strings.NewReader(in), rec, zerolog.Nop())
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if n != 2 || len(rec.emitted) != 1 || len(rec.replaced) != 1 {
		t.Fatalf("n=%d emitted=%d replaced=%d", n, len(rec.emitted), len(rec.replaced))
	}
	sp, ok := rec.emitted[0].(event.Scatterplot)
	if !ok || sp.Container.Name != "Horsepower v MPG" {
		t.Fatalf("unexpected emitted event: %#v", rec.emitted[0])
	}
	if _, ok := rec.replaced[0].(event.TrainFinished); !ok {
		t.Fatalf("unexpected replaced event: %#v", rec.replaced[0])
	}
}
