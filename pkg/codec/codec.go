// Package codec encodes call payloads and results for the wire.
//
// Every payload travels inside a JSON document, so Encode always returns a
// json.RawMessage:
//
//   - json: the value itself
//   - pickle: deterministic CBOR bytes, base64 encoded as a JSON string
//   - none: a plain string, passed through untouched
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/cuemby/runway/pkg/types"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// any-typed targets decode to map[string]any so results look the same
	// whichever serialization carried them.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Valid reports whether s names a supported serialization
func Valid(s types.Serialization) bool {
	switch s {
	case types.SerializationJSON, types.SerializationPickle, types.SerializationNone:
		return true
	}
	return false
}

// Normalize returns s, or json when s is empty
func Normalize(s types.Serialization) types.Serialization {
	if s == "" {
		return types.SerializationJSON
	}
	return s
}

// Encode serializes v with s
func Encode(s types.Serialization, v any) (json.RawMessage, error) {
	switch Normalize(s) {
	case types.SerializationJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode json: %w", err)
		}
		return data, nil
	case types.SerializationPickle:
		raw, err := encMode.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cbor: %w", err)
		}
		return json.Marshal(raw)
	case types.SerializationNone:
		switch val := v.(type) {
		case nil:
			return json.RawMessage("null"), nil
		case string:
			return json.Marshal(val)
		case []byte:
			return json.Marshal(string(val))
		case fmt.Stringer:
			return json.Marshal(val.String())
		default:
			return nil, fmt.Errorf("serialization none requires a string, got %T", v)
		}
	default:
		return nil, fmt.Errorf("unsupported serialization %q", s)
	}
}

// Decode deserializes data produced by Encode into v
func Decode(s types.Serialization, data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	switch Normalize(s) {
	case types.SerializationJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to decode json: %w", err)
		}
		return nil
	case types.SerializationPickle:
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to decode pickle envelope: %w", err)
		}
		if raw == nil {
			return nil
		}
		if err := decMode.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("failed to decode cbor: %w", err)
		}
		return nil
	case types.SerializationNone:
		var str *string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("serialization none expects a string: %w", err)
		}
		switch target := v.(type) {
		case *string:
			if str != nil {
				*target = *str
			}
		case *any:
			if str != nil {
				*target = *str
			} else {
				*target = nil
			}
		default:
			return fmt.Errorf("serialization none cannot decode into %T", v)
		}
		return nil
	default:
		return fmt.Errorf("unsupported serialization %q", s)
	}
}

// EncodePayload encodes call arguments
func EncodePayload(s types.Serialization, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if Normalize(s) == types.SerializationNone {
		if len(kwargs) > 0 || len(args) > 1 {
			return nil, fmt.Errorf("serialization none carries at most one positional argument")
		}
		if len(args) == 0 {
			return Encode(s, nil)
		}
		return Encode(s, args[0])
	}
	return Encode(s, types.Payload{Args: args, Kwargs: kwargs})
}

// DecodeJSON is json.Unmarshal with numbers kept as json.Number, so an
// integer beyond 2^53 re-encodes to the same digits
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after json value")
	}
	return nil
}

// DecodePayload is the inverse of EncodePayload. JSON arguments are decoded
// with DecodeJSON.
func DecodePayload(s types.Serialization, data json.RawMessage) (*types.Payload, error) {
	p := &types.Payload{}
	switch {
	case Normalize(s) == types.SerializationJSON && len(data) > 0:
		if err := DecodeJSON(data, p); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
	case Normalize(s) == types.SerializationNone:
		var arg any
		if err := Decode(s, data, &arg); err != nil {
			return nil, err
		}
		if arg != nil {
			p.Args = []any{arg}
		}
	case len(data) > 0 && string(data) != "null":
		if err := Decode(s, data, p); err != nil {
			return nil, err
		}
	}
	if p.Args == nil {
		p.Args = []any{}
	}
	if p.Kwargs == nil {
		p.Kwargs = map[string]any{}
	}
	return p, nil
}
