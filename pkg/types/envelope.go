package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Serialization names the codec used for a payload
type Serialization string

const (
	SerializationJSON   Serialization = "json"
	SerializationPickle Serialization = "pickle"
	SerializationNone   Serialization = "none"
)

// OutputType tags a result envelope
type OutputType string

const (
	OutputResult           OutputType = "result"
	OutputResultSerialized OutputType = "result_serialized"
	OutputException        OutputType = "exception"
	OutputLogChunk         OutputType = "log_chunk"
	OutputRunStarted       OutputType = "run_started"
)

// Terminal reports whether an envelope of this type ends a call
func (o OutputType) Terminal() bool {
	return o == OutputResult || o == OutputResultSerialized || o == OutputException
}

// Payload carries the call arguments inside CallRequest.Data
type Payload struct {
	Args   []any          `json:"args" cbor:"args"`
	Kwargs map[string]any `json:"kwargs" cbor:"kwargs"`
}

// CallEnvelope describes one invocation of a method on a remote resource
type CallEnvelope struct {
	ResourceName  string
	Method        string
	Args          []any
	Kwargs        map[string]any
	RunAsync      bool
	StreamLogs    bool
	Serialization Serialization
	RunName       string
}

// Clone copies the argument containers so the envelope cannot be changed
// through the caller's slices and maps after it is handed off.
func (e CallEnvelope) Clone() CallEnvelope {
	e.Args = slices.Clone(e.Args)
	e.Kwargs = maps.Clone(e.Kwargs)
	return e
}

// CallRequest is the HTTP body of a call
type CallRequest struct {
	Data          json.RawMessage `json:"data,omitempty"`
	Serialization Serialization   `json:"serialization"`
	RunAsync      bool            `json:"run_async,omitempty"`
	StreamLogs    bool            `json:"stream_logs,omitempty"`
	RunName       string          `json:"run_name,omitempty"`
}

// ResultEnvelope is what the dispatch server returns for a call
type ResultEnvelope struct {
	Data          json.RawMessage `json:"data"`
	Error         *string         `json:"error"`
	ErrorType     string          `json:"error_type,omitempty"`
	Traceback     *string         `json:"traceback"`
	OutputType    OutputType      `json:"output_type"`
	Serialization Serialization   `json:"serialization,omitempty"`
	Stream        string          `json:"stream,omitempty"`
	RunKey        string          `json:"run_key,omitempty"`
}

// HasData reports whether Data was set. A serialized null is a value.
func (r *ResultEnvelope) HasData() bool {
	return len(r.Data) > 0
}

// Validate checks the terminal envelope invariant: exactly one of data or
// error is populated.
func (r *ResultEnvelope) Validate() error {
	switch r.OutputType {
	case OutputResult, OutputResultSerialized:
		if r.Error != nil {
			return fmt.Errorf("%s envelope carries an error", r.OutputType)
		}
		if !r.HasData() {
			return fmt.Errorf("%s envelope has no data", r.OutputType)
		}
	case OutputException:
		if r.Error == nil {
			return fmt.Errorf("exception envelope has no error")
		}
		if r.HasData() && string(r.Data) != "null" {
			return fmt.Errorf("exception envelope carries data")
		}
	case OutputLogChunk, OutputRunStarted:
	default:
		return fmt.Errorf("unknown output type %q", r.OutputType)
	}
	return nil
}

// LogChunk is one line of output produced while a call runs
type LogChunk struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// Check is the body returned by a dispatch server health check
type Check struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	InFlight     int64             `json:"in_flight"`
	Queued       int64             `json:"queued"`
	Resources    int               `json:"resources"`
	LastActivity string            `json:"last_activity,omitempty"`
	Uptime       string            `json:"uptime,omitempty"`
	Components   map[string]string `json:"components,omitempty"`
}

// StrPtr returns a pointer to s
func StrPtr(s string) *string {
	return &s
}
