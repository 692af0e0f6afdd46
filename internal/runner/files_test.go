package runner_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/runner"
	"github.com/seantiz/validator/internal/storage"
)

func newFileStorage(t *testing.T) *storage.Client {
	t.Helper()
	return storage.NewClient(storage.Options{MaxAttempts: 1, InitialBackoff: time.Millisecond},
		slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStageFiles(t *testing.T) {
	st := newFileStorage(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "model.idf"), "Version,24.1;")
	writeFile(t, filepath.Join(src, "weather.epw"), "LOCATION,Denver")

	work := t.TempDir()
	files := []envelope.ResourceFile{
		{Name: "model.idf", Role: "primary-model", URI: "file://" + filepath.Join(src, "model.idf")},
		{Name: "weather.epw", Role: "weather", URI: "file://" + filepath.Join(src, "weather.epw")},
	}

	staged, err := runner.StageFiles(context.Background(), st, files, work)
	if err != nil {
		t.Fatalf("StageFiles() error = %v", err)
	}
	if len(staged) != 2 {
		t.Fatalf("staged %d files, want 2", len(staged))
	}

	weather, ok := runner.ByRole(staged, "weather")
	if !ok {
		t.Fatal("ByRole(weather) not found")
	}
	if weather.Path != filepath.Join(work, "weather.epw") {
		t.Errorf("weather path = %q", weather.Path)
	}
	if weather.SizeBytes != int64(len("LOCATION,Denver")) {
		t.Errorf("weather size = %d", weather.SizeBytes)
	}
	if _, ok := runner.ByRole(staged, "fmu"); ok {
		t.Error("ByRole(fmu) should not be found")
	}
}

func TestStageFilesRejectsTraversal(t *testing.T) {
	st := newFileStorage(t)
	files := []envelope.ResourceFile{{Name: "../escape.txt", URI: "file:///tmp/escape.txt"}}

	_, err := runner.StageFiles(context.Background(), st, files, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "escapes work directory") {
		t.Errorf("StageFiles() error = %v, want traversal rejection", err)
	}
}

func TestStageFilesMissingSource(t *testing.T) {
	st := newFileStorage(t)
	files := []envelope.ResourceFile{{Name: "model.idf", Role: "primary-model", URI: "file:///nonexistent/model.idf"}}

	_, err := runner.StageFiles(context.Background(), st, files, t.TempDir())
	if err == nil {
		t.Fatal("StageFiles() should fail for a missing source")
	}
}

func TestPublishWorkDir(t *testing.T) {
	st := newFileStorage(t)
	work := t.TempDir()
	writeFile(t, filepath.Join(work, "eplusout.sql"), "sqlite")
	writeFile(t, filepath.Join(work, "eplusout.csv"), "a,b")
	writeFile(t, filepath.Join(work, "notes.bin"), "x")

	bundle := "file://" + t.TempDir() + "/org/run-1"
	classify := func(name string) (string, string) {
		if strings.HasSuffix(name, ".sql") {
			return "simulation-db", "application/x-sqlite3"
		}
		return "", ""
	}

	artifacts, raw, err := runner.PublishWorkDir(context.Background(), st, work, bundle, classify)
	if err != nil {
		t.Fatalf("PublishWorkDir() error = %v", err)
	}
	if len(artifacts) != 3 {
		t.Fatalf("got %d artifacts, want 3", len(artifacts))
	}

	byName := make(map[string]envelope.Artifact)
	for _, a := range artifacts {
		byName[a.Name] = a
	}
	if a := byName["eplusout.sql"]; a.Type != "simulation-db" || a.MimeType != "application/x-sqlite3" {
		t.Errorf("sql artifact = %+v", a)
	}
	if a := byName["notes.bin"]; a.Type != "file" || a.MimeType != "application/octet-stream" {
		t.Errorf("bin artifact = %+v", a)
	}
	if a := byName["eplusout.csv"]; a.URI != bundle+"/outputs/eplusout.csv" {
		t.Errorf("csv URI = %q", a.URI)
	}

	if raw == nil || raw.Format != "directory" || raw.ManifestURI != bundle+"/outputs/manifest.json" {
		t.Errorf("raw outputs = %+v", raw)
	}
	if _, err := st.Fetch(context.Background(), raw.ManifestURI); err != nil {
		t.Errorf("manifest not readable: %v", err)
	}
}

func TestPublishWorkDirRequiresBundle(t *testing.T) {
	_, _, err := runner.PublishWorkDir(context.Background(), newFileStorage(t), t.TempDir(), "", nil)
	if err == nil {
		t.Error("PublishWorkDir() with empty bundle should fail")
	}
}
