// Package transcoder implements the bidirectional codec between a domain
// event's structured payload and a byte string, extensible by
// user-registered type adapters.
//
// The wire representation is UTF-8 JSON. Any adapter-produced value is
// wrapped as a two-field record {"_type_": tag, "_data_": representation},
// exactly as required by the external wire format. Built-in payload types
// (nil, bool, numbers, strings, slices, string-keyed maps) round-trip
// through encoding/json unchanged. Byte strings are wrapped in a built-in
// "bytes" envelope carrying base64 text, so they decode back to []byte
// rather than being coerced to string by JSON's base64 convention.
// Everything else must go through a registered Adapter.
//
// The field names "_type_" and "_data_" are reserved for envelopes and the
// tag "bytes" for the byte-string envelope; Encode rejects user maps that
// carry either reserved field.
package transcoder

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/corestream/eventcore/pkg/eventerr"
)

const (
	tagField  = "_type_"
	dataField = "_data_"

	// bytesTag is the reserved envelope tag for []byte payload values.
	bytesTag = "bytes"
)

// Adapter converts between a user type T and an already-encodable wire
// representation, addressed by a unique string tag.
type Adapter interface {
	// Tag is the unique string name for this adapter, written to the wire
	// as the value of "_type_".
	Tag() string
	// Encode converts a value of the adapted type into a representation
	// built from built-in encodable types. It must return an error (not
	// panic) if v is not of the expected type.
	Encode(v any) (any, error)
	// Decode reconstructs a value of the adapted type from its
	// representation.
	Decode(data any) (any, error)
	// Owns reports whether this adapter is responsible for encoding v.
	Owns(v any) bool
}

// Registry holds the set of registered type adapters, keyed by tag. A
// Registry is safe for concurrent use once all Register calls complete;
// the typical usage is to populate it during construction and never mutate
// it again.
type Registry struct {
	byTag map[string]Adapter
}

// NewRegistry returns an empty registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]Adapter)}
}

// Register adds a type adapter. Re-registering an existing tag replaces it.
// The tag "bytes" is reserved for the built-in byte-string envelope and
// must not be used by adapters.
func (r *Registry) Register(a Adapter) {
	r.byTag[a.Tag()] = a
}

// Encode serializes obj to bytes. Any subvalue whose type lacks a
// registered adapter or built-in mapping fails with
// eventerr.EncodingError{Kind: EncodingUnsupportedType}.
func (r *Registry) Encode(obj any) ([]byte, error) {
	wrapped, err := r.wrap(obj)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wrapped); err != nil {
		return nil, &eventerr.EncodingError{Kind: eventerr.EncodingUnsupportedType, Type: fmt.Sprintf("%T", obj)}
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode reverses Encode, producing the generic decoded shape: maps become
// map[string]any, sequences become []any, adapter envelopes are resolved
// back into their registered Go types via Decode.
func (r *Registry) Decode(data []byte) (any, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &eventerr.DecodingError{Kind: eventerr.DecodingMalformed}
	}
	return r.unwrap(raw)
}

func (r *Registry) wrap(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return v, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v, nil
	case []byte:
		// Bare JSON would base64 the bytes and decode them back as a
		// string; the envelope preserves the []byte type.
		return map[string]any{tagField: bytesTag, dataField: base64.StdEncoding.EncodeToString(t)}, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			w, err := r.wrap(e)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		// "_type_" and "_data_" are reserved for envelopes; a user map
		// carrying either would be mistaken for one on decode.
		if _, ok := t[tagField]; ok {
			return nil, &eventerr.EncodingError{Kind: eventerr.EncodingUnsupportedType, Type: "map with reserved field " + tagField}
		}
		if _, ok := t[dataField]; ok {
			return nil, &eventerr.EncodingError{Kind: eventerr.EncodingUnsupportedType, Type: "map with reserved field " + dataField}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			w, err := r.wrap(e)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	}

	for _, a := range r.byTag {
		if a.Owns(v) {
			repr, err := a.Encode(v)
			if err != nil {
				return nil, err
			}
			wrappedRepr, err := r.wrap(repr)
			if err != nil {
				return nil, err
			}
			return map[string]any{tagField: a.Tag(), dataField: wrappedRepr}, nil
		}
	}

	return nil, &eventerr.EncodingError{Kind: eventerr.EncodingUnsupportedType, Type: fmt.Sprintf("%T", v)}
}

func (r *Registry) unwrap(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if tagRaw, ok := t[tagField]; ok {
			tag, ok := tagRaw.(string)
			if !ok {
				return nil, &eventerr.DecodingError{Kind: eventerr.DecodingMalformed}
			}
			if tag == bytesTag {
				encoded, ok := t[dataField].(string)
				if !ok {
					return nil, &eventerr.DecodingError{Kind: eventerr.DecodingMalformed, Tag: bytesTag}
				}
				raw, err := base64.StdEncoding.DecodeString(encoded)
				if err != nil {
					return nil, &eventerr.DecodingError{Kind: eventerr.DecodingMalformed, Tag: bytesTag}
				}
				return raw, nil
			}
			adapter, ok := r.byTag[tag]
			if !ok {
				return nil, &eventerr.DecodingError{Kind: eventerr.DecodingUnknownTag, Tag: tag}
			}
			data, err := r.unwrap(t[dataField])
			if err != nil {
				return nil, err
			}
			return adapter.Decode(data)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			w, err := r.unwrap(e)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			w, err := r.unwrap(e)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	default:
		return v, nil
	}
}
