package envelope

import (
	"encoding/json"
	"regexp"
)

// Partial is what can be recovered from an input envelope that failed
// validation. Each field is decoded independently; a malformed field leaves
// its zero value without spoiling the others.
type Partial struct {
	RunID     string
	Validator ValidatorRef
	Context   ExecutionContext
}

// UnknownValidatorType stands in for a validator type that could not be
// recovered, since output envelopes require one.
const UnknownValidatorType = "UNKNOWN"

var runIDPattern = regexp.MustCompile(`"run_id"\s*:\s*"((?:[^"\\]|\\.)+)"`)

// Salvage extracts what it can from raw envelope bytes. ok is false when no
// run_id could be found.
func Salvage(b []byte) (p Partial, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		if m := runIDPattern.FindSubmatch(b); m != nil {
			var id string
			if json.Unmarshal(append(append([]byte{'"'}, m[1]...), '"'), &id) == nil && id != "" {
				return Partial{RunID: id}, true
			}
		}
		return Partial{}, false
	}

	_ = json.Unmarshal(fields["run_id"], &p.RunID)
	_ = json.Unmarshal(fields["validator"], &p.Validator)
	if err := json.Unmarshal(fields["context"], &p.Context); err != nil {
		p.Context = ExecutionContext{}
	}
	return p, p.RunID != ""
}

// SalvageRunID returns the run_id from raw envelope bytes, if any.
func SalvageRunID(b []byte) (string, bool) {
	p, ok := Salvage(b)
	return p.RunID, ok
}
