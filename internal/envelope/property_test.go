package envelope_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/seantiz/validator/internal/envelope"
)

var statuses = []envelope.Status{envelope.StatusSuccess, envelope.StatusFailure, envelope.StatusError}
var severities = []envelope.Severity{envelope.SeverityInfo, envelope.SeverityWarning, envelope.SeverityError}

// consistentEnvelope builds an output envelope that satisfies the status
// invariant for the chosen status.
func consistentEnvelope(runID string, statusIdx int, texts []string, values []float64, startSec, durMs int64, withRaw bool) *envelope.OutputEnvelope {
	status := statuses[statusIdx]
	start := time.Unix(startSec, startSec%1_000_000_000).UTC()

	e := &envelope.OutputEnvelope{
		SchemaVersion: envelope.SchemaVersion,
		RunID:         runID,
		Validator:     envelope.ValidatorRef{ID: "v-" + runID, Type: "PROBE", Version: "2"},
		Status:        status,
		Timing:        envelope.Timing{StartedAt: start, FinishedAt: start.Add(time.Duration(durMs) * time.Millisecond)},
		Messages:      []envelope.Message{},
		Metrics:       []envelope.Metric{},
		Artifacts:     []envelope.Artifact{},
	}
	for i, text := range texts {
		sev := envelope.SeverityInfo
		if i%2 == 1 {
			sev = envelope.SeverityWarning
		}
		e.Messages = append(e.Messages, envelope.Message{Severity: sev, Code: fmt.Sprintf("C%d", i), Text: text})
	}
	for i, v := range values {
		e.Metrics = append(e.Metrics, envelope.Metric{Name: fmt.Sprintf("m%d", i), Value: v, Unit: "kWh"})
		e.Artifacts = append(e.Artifacts, envelope.Artifact{
			Name: fmt.Sprintf("f%d.csv", i), Type: "timeseries-csv", MimeType: "text/csv",
			URI: fmt.Sprintf("gs://bucket/%s/outputs/f%d.csv", runID, i), SizeBytes: int64(i * 10),
		})
	}
	if withRaw {
		e.RawOutputs = &envelope.RawOutputs{Format: "directory", ManifestURI: "gs://bucket/" + runID + "/outputs/manifest.json"}
	}

	if status == envelope.StatusSuccess {
		score := 0.0
		if len(values) > 0 {
			score = values[0]
		}
		e.Outputs = &probeOutputs{Score: score, Label: runID}
	} else {
		e.Messages = append(e.Messages, envelope.Message{Severity: envelope.SeverityError, Text: "run did not succeed"})
	}
	return e
}

func TestOutputRoundTripProperty(t *testing.T) {
	codec := newTestCodec(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(e)) == e for valid envelopes", prop.ForAll(
		func(runID string, statusIdx int, texts []string, values []float64, startSec, durMs int64, withRaw bool) bool {
			e := consistentEnvelope(runID, statusIdx, texts, values, startSec, durMs, withRaw)

			b, err := codec.EncodeOutput(e)
			if err != nil {
				t.Logf("encode: %v", err)
				return false
			}
			got, err := codec.DecodeOutput(b)
			if err != nil {
				t.Logf("decode: %v\n%s", err, b)
				return false
			}
			return reflect.DeepEqual(e, got)
		},
		gen.Identifier(),
		gen.IntRange(0, len(statuses)-1),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Float64Range(-1e12, 1e12)),
		gen.Int64Range(0, 4_000_000_000),
		gen.Int64Range(0, 86_400_000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestStatusInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("Validate accepts exactly the envelopes satisfying the status invariant", prop.ForAll(
		func(statusIdx int, sevIdx []int, hasOutputs bool) bool {
			now := time.Unix(1_700_000_000, 0).UTC()
			e := &envelope.OutputEnvelope{
				RunID:  "r",
				Status: statuses[statusIdx],
				Timing: envelope.Timing{StartedAt: now, FinishedAt: now},
			}
			for _, i := range sevIdx {
				e.Messages = append(e.Messages, envelope.Message{Severity: severities[i], Text: "m"})
			}
			if hasOutputs {
				e.Outputs = map[string]any{"ok": true}
			}

			hasErr := envelope.HasError(e.Messages)
			var holds bool
			switch e.Status {
			case envelope.StatusSuccess:
				holds = hasOutputs && !hasErr
			default:
				holds = hasErr
			}

			err := e.Validate()
			if holds {
				return err == nil
			}
			return errors.Is(err, envelope.ErrInvariant)
		},
		gen.IntRange(0, len(statuses)-1),
		gen.SliceOf(gen.IntRange(0, len(severities)-1)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestConsistentEnvelopesAreValidProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("generated envelopes satisfy every invariant", prop.ForAll(
		func(runID string, statusIdx int, texts []string, durMs int64) bool {
			e := consistentEnvelope(runID, statusIdx, texts, nil, 1_700_000_000, durMs, false)
			return e.Validate() == nil
		},
		gen.Identifier(),
		gen.IntRange(0, len(statuses)-1),
		gen.SliceOf(gen.AlphaString()),
		gen.Int64Range(0, 1_000_000),
	))

	properties.TestingRun(t)
}
