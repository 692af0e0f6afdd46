// Package location decides where a run reads its input envelope from and
// where it writes the output envelope.
package location

import (
	"fmt"
	"os"
	"strings"

	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/storage"
)

// Environment variables consulted by the Resolver.
const (
	EnvInputURI       = "VALIDATOR_INPUT_URI"
	EnvLegacyInputURI = "INPUT_URI"
	EnvOutputURI      = "VALIDATOR_OUTPUT_URI"
	EnvRunID          = "VALIDATOR_RUN_ID"
)

// OutputName is the object name derived next to the input envelope.
const OutputName = "output.json"

// ConfigurationError reports missing or unusable location settings.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Resolver reads locations from the environment and command-line arguments.
type Resolver struct {
	Getenv func(string) string
	Args   []string
}

// FromProcess returns a Resolver over the process environment and args
// (without the program name).
func FromProcess(args []string) *Resolver {
	return &Resolver{Getenv: os.Getenv, Args: args}
}

func (r *Resolver) env(key string) string {
	if r.Getenv == nil {
		return ""
	}
	return strings.TrimSpace(r.Getenv(key))
}

// ResolveInput returns the input URI. The primary variable wins over the
// legacy one, which wins over the first argument.
func (r *Resolver) ResolveInput() (string, error) {
	uri := r.env(EnvInputURI)
	if uri == "" {
		uri = r.env(EnvLegacyInputURI)
	}
	if uri == "" && len(r.Args) > 0 {
		uri = strings.TrimSpace(r.Args[0])
	}
	if uri == "" {
		return "", &ConfigurationError{Reason: fmt.Sprintf(
			"no input URI: set %s (or %s) or pass it as the first argument", EnvInputURI, EnvLegacyInputURI)}
	}
	if _, err := storage.Parse(uri); err != nil {
		return "", &ConfigurationError{Reason: fmt.Sprintf("input URI %q: %v", uri, err)}
	}
	return uri, nil
}

// ResolveOutput returns the override if set, else output.json next to the
// input object. The derivation depends only on inputURI, so in may be nil
// when the envelope could only be salvaged.
func (r *Resolver) ResolveOutput(in *envelope.InputEnvelope, inputURI string) (string, error) {
	if uri := r.env(EnvOutputURI); uri != "" {
		return uri, nil
	}
	uri, err := storage.Sibling(inputURI, OutputName)
	if err != nil {
		return "", &ConfigurationError{Reason: fmt.Sprintf("derive output URI from %q: %v", inputURI, err)}
	}
	return uri, nil
}

// RunIDHint returns the orchestrator-supplied run id, used for logging only.
func (r *Resolver) RunIDHint() string {
	return r.env(EnvRunID)
}

// Static returns a Resolver with fixed locations, for callers that receive
// them as request parameters rather than from the process environment. An
// empty outputURI keeps the sibling derivation.
func Static(inputURI, outputURI string) *Resolver {
	vars := map[string]string{EnvInputURI: inputURI, EnvOutputURI: outputURI}
	return &Resolver{Getenv: func(key string) string { return vars[key] }}
}
