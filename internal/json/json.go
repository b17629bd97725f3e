// Package json is the JSON codec used for every wire format in Nexa. It
// wraps json-iterator in its standard-library compatible configuration so
// callers keep the encoding/json API.
package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	Valid         = json.Valid
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
)

// RawMessage is a raw encoded JSON value. It is the encoding/json type so
// values stay interchangeable with code that uses the standard library.
type RawMessage = stdjson.RawMessage

type Decoder = jsoniter.Decoder

type Encoder = jsoniter.Encoder
