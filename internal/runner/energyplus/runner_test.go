package energyplus_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/runner"
	"github.com/seantiz/validator/internal/runner/energyplus"
	"github.com/seantiz/validator/internal/storage"
)

var discard = slog.New(slog.NewJSONHandler(io.Discard, nil))

// fakeEnergyPlus writes a shell script standing in for the energyplus CLI.
// It writes errContent to <output-directory>/eplusout.err, echoes a line and
// exits with code.
func fakeEnergyPlus(t *testing.T, errContent string, code int) string {
	t.Helper()
	dir := t.TempDir()
	errFile := filepath.Join(dir, "err.txt")
	if err := os.WriteFile(errFile, []byte(errContent), 0o644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\n" +
		"out=\"$2\"\n" +
		"cp '" + errFile + "' \"$out/eplusout.err\"\n" +
		"echo \"EnergyPlus Starting\"\n" +
		"echo \"args: $*\" >&2\n" +
		"exit " + strconv.Itoa(code) + "\n"
	bin := filepath.Join(dir, "energyplus")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin
}

type fixture struct {
	st     *storage.Client
	src    string
	bundle string
	work   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		st:     storage.NewClient(storage.Options{MaxAttempts: 1, InitialBackoff: time.Millisecond}, discard),
		src:    t.TempDir(),
		bundle: t.TempDir(),
		work:   t.TempDir(),
	}
	for name, body := range map[string]string{"model.idf": "Version,24.1;", "weather.epw": "LOCATION,Denver"} {
		if err := os.WriteFile(filepath.Join(f.src, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f fixture) execution(roles ...string) runner.Execution {
	names := map[string]string{energyplus.RolePrimaryModel: "model.idf", energyplus.RoleWeather: "weather.epw"}
	var files []envelope.ResourceFile
	for _, role := range roles {
		name := names[role]
		files = append(files, envelope.ResourceFile{Name: name, Role: role, URI: "file://" + filepath.Join(f.src, name)})
	}
	return runner.Execution{
		RunID:      "run-1",
		Validator:  envelope.ValidatorRef{ID: "v1", Type: energyplus.Type, Version: "1"},
		Inputs:     &energyplus.Inputs{ReadVars: true},
		InputFiles: files,
		BundleURI:  "file://" + f.bundle,
		WorkDir:    f.work,
		Storage:    f.st,
	}
}

const warningsOnly = `   ** Warning ** Output:Meter: invalid Key Name
   ************* EnergyPlus Completed Successfully-- 1 Warning; 0 Severe Errors
`

func TestRunSuccess(t *testing.T) {
	f := newFixture(t)
	rn := energyplus.New(fakeEnergyPlus(t, warningsOnly, 0), discard)

	var (
		mu    sync.Mutex
		lines []string
	)
	exec := f.execution(energyplus.RolePrimaryModel, energyplus.RoleWeather)
	exec.LogWriter = func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}

	res, err := rn.Run(context.Background(), exec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, messages = %+v", res.Messages)
	}
	if len(res.Messages) != 1 || res.Messages[0].Code != energyplus.CodeWarning {
		t.Errorf("Messages = %+v, want one warning", res.Messages)
	}

	out, ok := res.Outputs.(*energyplus.Outputs)
	if !ok {
		t.Fatalf("Outputs type = %T", res.Outputs)
	}
	if out.ReturnCode != 0 {
		t.Errorf("ReturnCode = %d", out.ReturnCode)
	}
	if out.InvocationMode != "cli" {
		t.Errorf("InvocationMode = %q, want cli", out.InvocationMode)
	}
	if !strings.Contains(out.Logs.StderrTail, "--readvars") {
		t.Errorf("StderrTail = %q, want --readvars in args", out.Logs.StderrTail)
	}
	if !strings.Contains(out.Logs.ErrTail, "Output:Meter") {
		t.Errorf("ErrTail = %q", out.Logs.ErrTail)
	}

	if res.RawOutputs == nil || !strings.HasPrefix(res.RawOutputs.ManifestURI, "file://"+f.bundle+"/outputs/") {
		t.Errorf("RawOutputs = %+v", res.RawOutputs)
	}
	if out.Files.EplusoutErr == "" {
		t.Error("Files.EplusoutErr not set after publishing")
	}
	var errArtifact *envelope.Artifact
	for i := range res.Artifacts {
		if res.Artifacts[i].Name == "eplusout.err" {
			errArtifact = &res.Artifacts[i]
		}
	}
	if errArtifact == nil || errArtifact.Type != "err-log" {
		t.Errorf("eplusout.err artifact = %+v", errArtifact)
	}
	if _, err := os.Stat(filepath.Join(f.bundle, "outputs", "eplusout.err")); err != nil {
		t.Errorf("published err file: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) == 0 {
		t.Error("LogWriter received no lines")
	}
}

func TestRunSevereIsFailure(t *testing.T) {
	f := newFixture(t)
	errContent := "   ** Severe  ** Zone has no surfaces.\n   **  Fatal  ** Program terminates.\n"
	rn := energyplus.New(fakeEnergyPlus(t, errContent, 0), discard)

	res, err := rn.Run(context.Background(), f.execution(energyplus.RolePrimaryModel, energyplus.RoleWeather))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false on severe errors")
	}
	if !envelope.HasError(res.Messages) {
		t.Errorf("Messages = %+v, want an error", res.Messages)
	}
}

func TestRunNonZeroExitAddsError(t *testing.T) {
	f := newFixture(t)
	rn := energyplus.New(fakeEnergyPlus(t, "", 3), discard)

	res, err := rn.Run(context.Background(), f.execution(energyplus.RolePrimaryModel, energyplus.RoleWeather))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false on non-zero exit")
	}
	found := false
	for _, m := range res.Messages {
		if m.Code == energyplus.CodeNonZeroExit && m.Severity == envelope.SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("Messages = %+v, want %s", res.Messages, energyplus.CodeNonZeroExit)
	}
	if out := res.Outputs.(*energyplus.Outputs); out.ReturnCode != 3 {
		t.Errorf("ReturnCode = %d, want 3", out.ReturnCode)
	}
}

func TestRunMissingWeatherIsFailure(t *testing.T) {
	f := newFixture(t)
	rn := energyplus.New(fakeEnergyPlus(t, "", 0), discard)

	res, err := rn.Run(context.Background(), f.execution(energyplus.RolePrimaryModel))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false")
	}
	if len(res.Messages) != 1 || res.Messages[0].Code != energyplus.CodeMissingInput {
		t.Errorf("Messages = %+v, want one %s", res.Messages, energyplus.CodeMissingInput)
	}
}

func TestRunUnreadableInputIsError(t *testing.T) {
	f := newFixture(t)
	rn := energyplus.New(fakeEnergyPlus(t, "", 0), discard)

	exec := f.execution(energyplus.RolePrimaryModel, energyplus.RoleWeather)
	exec.InputFiles[0].URI = "file://" + filepath.Join(f.src, "absent.idf")

	_, err := rn.Run(context.Background(), exec)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Run() error = %v, want ErrNotFound", err)
	}
}

func TestRunMissingBinaryIsFault(t *testing.T) {
	f := newFixture(t)
	rn := energyplus.New(filepath.Join(t.TempDir(), "no-such-energyplus"), discard)

	_, err := rn.Run(context.Background(), f.execution(energyplus.RolePrimaryModel, energyplus.RoleWeather))
	var fault *runner.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Run() error = %v, want *runner.Fault", err)
	}
}

func TestMetadata(t *testing.T) {
	md := energyplus.New("", discard).Metadata()
	if md.Type != energyplus.Type {
		t.Errorf("Type = %q", md.Type)
	}
	if md.ResourceRequirements.TimeoutSeconds != 3600 {
		t.Errorf("TimeoutSeconds = %d, want 3600", md.ResourceRequirements.TimeoutSeconds)
	}
	if len(md.SupportedStorage) != 3 {
		t.Errorf("SupportedStorage = %v", md.SupportedStorage)
	}
}
