// Package jsonx provides JSON serialization using Sonic.
// This is a drop-in replacement for encoding/json used on the broadcast
// and persistence hot paths, where an event is marshaled once per commit
// and delivered to every subscriber of the ontology.
package jsonx

import (
	"io"

	"github.com/bytedance/sonic"
	"github.com/valyala/bytebufferpool"
)

// Marshal returns the JSON encoding of v using Sonic.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result
// in the value pointed to by v using Sonic.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns the JSON as a string.
// This avoids an allocation when converting []byte to string.
func MarshalToString(v interface{}) (string, error) {
	return sonic.MarshalString(v)
}

// UnmarshalFromString parses the JSON string and stores the result in v.
func UnmarshalFromString(data string, v interface{}) error {
	return sonic.UnmarshalString(data, v)
}

// Decoder reads one JSON value from a stream.
type Decoder struct {
	reader io.Reader
}

// NewReader returns a decoder over r.
func NewReader(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// Decode reads all of the input and unmarshals it into v.
func (d *Decoder) Decode(v interface{}) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := io.Copy(buf, d.reader); err != nil {
		return err
	}
	return sonic.Unmarshal(buf.B, v)
}

// EncodeTo marshals v and writes the JSON to w through a pooled buffer,
// so large snapshot responses do not allocate a fresh buffer per request.
func EncodeTo(w io.Writer, v interface{}) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	buf.Set(data)
	_, err = w.Write(buf.B)
	return err
}
