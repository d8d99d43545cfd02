// Package wire implements the modelrpc framing: length-prefixed messages
// encoded with CBOR or JSON and optionally compressed with zstd or lz4.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Content types understood by the transport.
const (
	ContentTypeCBOR = "application/modelrpc+cbor"
	ContentTypeJSON = "application/modelrpc+json"
)

// Codec encodes message payloads. Decoded messages are plain
// map[string]any trees.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TimeTag = cbor.EncTagNone
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertNone,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) ContentType() string { return ContentTypeCBOR }

func (cborCodec) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

func (cborCodec) Unmarshal(data []byte, v any) error { return UnmarshalCBOR(data, v) }

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// CBOR and JSON are the built-in codecs. CBOR output is deterministic:
// map keys are sorted and integers use their shortest form.
var (
	CBOR Codec = cborCodec{}
	JSON Codec = jsonCodec{}
)

// CodecFor returns the codec for a Content-Type header value. An empty
// value selects CBOR.
func CodecFor(contentType string) (Codec, error) {
	ct, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(ct)) {
	case "", ContentTypeCBOR:
		return CBOR, nil
	case ContentTypeJSON, "application/json":
		return JSON, nil
	}
	return nil, fmt.Errorf("wire: unsupported content type %q", contentType)
}

// MarshalCBOR encodes v with the deterministic CBOR encoding.
func MarshalCBOR(v any) ([]byte, error) { return cborEnc.Marshal(v) }

// UnmarshalCBOR decodes CBOR data into v. Integers decoded into untyped
// values are int64, or uint64 when they exceed the int64 range.
func UnmarshalCBOR(data []byte, v any) error {
	if err := cborDec.Unmarshal(data, v); err != nil {
		return err
	}
	switch p := v.(type) {
	case *any:
		*p = narrow(*p)
	case *map[string]any:
		narrowMap(*p)
	case *[]any:
		narrowList(*p)
	}
	return nil
}

func narrow(v any) any {
	switch x := v.(type) {
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
	case map[string]any:
		narrowMap(x)
	case []any:
		narrowList(x)
	}
	return v
}

func narrowMap(m map[string]any) {
	for k, v := range m {
		m[k] = narrow(v)
	}
}

func narrowList(l []any) {
	for i, v := range l {
		l[i] = narrow(v)
	}
}
