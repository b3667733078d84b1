// Package json wraps the sonic JSON implementation behind the stdlib
// function names so call sites stay conventional.
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// RawMessage aliases the stdlib raw type; sonic round-trips it.
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error)        { return api.Marshal(v) }
func Unmarshal(data []byte, v any) error   { return api.Unmarshal(data, v) }
func MarshalString(v any) (string, error)  { return api.MarshalToString(v) }
func UnmarshalString(s string, v any) error { return api.UnmarshalFromString(s, v) }

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool { return api.Valid(data) }
