// Package serialization encodes bus payloads and derives the type names used as
// routing keys.
package serialization

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// ErrEmptyPayload is returned when decoding an empty body
var ErrEmptyPayload = errors.New("serialization: empty payload")

// Serializer converts values to and from their wire payload
type Serializer interface {
	// Serialize encodes a value
	Serialize(v any) ([]byte, error)

	// Deserialize decodes data into the value pointed to by v
	Deserialize(data []byte, v any) error

	// ContentType is the MIME type set on published messages
	ContentType() string
}

// JSONSerializer implements Serializer with UTF-8 JSON
type JSONSerializer struct {
	api         jsoniter.API
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithPrettyPrint enables indented output
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{
		api: jsoniter.ConfigCompatibleWithStandardLibrary,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serialize implements Serializer
func (s *JSONSerializer) Serialize(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("serialization: value cannot be nil")
	}

	var (
		data []byte
		err  error
	)
	if s.prettyPrint {
		data, err = s.api.MarshalIndent(v, "", "  ")
	} else {
		data, err = s.api.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("serialization: failed to encode %s: %w", TypeName(v), err)
	}
	return data, nil
}

// Deserialize implements Serializer
func (s *JSONSerializer) Deserialize(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if err := s.api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("serialization: failed to decode %s: %w", TypeName(v), err)
	}
	return nil
}

// ContentType implements Serializer
func (s *JSONSerializer) ContentType() string {
	return "application/json"
}
