// Package testutil provides helpers for exercising modelrpc services in
// tests: an in-memory transport for App.Dispatch and a builder for framed
// HTTP requests. It does not import modelrpc, so it can be used from the
// modelrpc package's own tests.
package testutil

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/broady/modelrpc/wire"
)

// Transport is an in-memory call transport. Recv hands out the encoded
// request messages in order and then io.EOF; Send records every response
// payload.
type Transport struct {
	codec wire.Codec

	mu      sync.Mutex
	in      [][]byte
	sent    [][]byte
	sendErr error
}

// NewTransport returns a transport that delivers msgs, encoded with codec.
// A nil codec selects CBOR.
func NewTransport(codec wire.Codec, msgs ...any) *Transport {
	if codec == nil {
		codec = wire.CBOR
	}
	t := &Transport{codec: codec}
	for _, m := range msgs {
		data, err := codec.Marshal(m)
		if err != nil {
			panic("testutil: encode message: " + err.Error())
		}
		t.in = append(t.in, data)
	}
	return t
}

// Codec returns the transport's codec.
func (t *Transport) Codec() wire.Codec { return t.codec }

// Recv returns the next request payload.
func (t *Transport) Recv() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.in) == 0 {
		return nil, io.EOF
	}
	data := t.in[0]
	t.in = t.in[1:]
	return data, nil
}

// Send records a response payload, or fails with the error set by
// FailSends.
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, append([]byte(nil), payload...))
	return nil
}

// FailSends makes every later Send return err, as if the peer went away.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Len returns the number of response messages sent.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// Decode decodes the i-th response message into v.
func (t *Transport) Decode(i int, v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.sent) {
		return errors.New("testutil: no response message " + strconv.Itoa(i))
	}
	return t.codec.Unmarshal(t.sent[i], v)
}

// Messages decodes every response message as a map.
func (t *Transport) Messages(tb testing.TB) []map[string]any {
	tb.Helper()
	out := make([]map[string]any, t.Len())
	for i := range out {
		if err := t.Decode(i, &out[i]); err != nil {
			tb.Fatalf("decode response %d: %v", i, err)
		}
	}
	return out
}

// RequestBuilder constructs framed HTTP requests with a fluent API.
type RequestBuilder struct {
	path    string
	codec   wire.Codec
	comp    wire.Compressor
	msgs    []any
	raw     []byte
	headers http.Header
}

// NewRequest starts a POST /<service>/<method> request encoded with CBOR.
func NewRequest(service, method string) *RequestBuilder {
	return &RequestBuilder{
		path:    "/" + service + "/" + method,
		codec:   wire.CBOR,
		comp:    wire.Identity,
		headers: http.Header{},
	}
}

// WithCodec selects the payload codec.
func (b *RequestBuilder) WithCodec(c wire.Codec) *RequestBuilder {
	b.codec = c
	return b
}

// WithCompressor selects the frame compression.
func (b *RequestBuilder) WithCompressor(c wire.Compressor) *RequestBuilder {
	b.comp = c
	return b
}

// WithMessage appends a request message.
func (b *RequestBuilder) WithMessage(v any) *RequestBuilder {
	b.msgs = append(b.msgs, v)
	return b
}

// WithBody replaces the framed body with raw bytes.
func (b *RequestBuilder) WithBody(body []byte) *RequestBuilder {
	b.raw = body
	return b
}

// WithHeader adds a header, which the server exposes as call metadata.
func (b *RequestBuilder) WithHeader(key, value string) *RequestBuilder {
	b.headers.Add(key, value)
	return b
}

// Build creates the HTTP request and a ResponseRecorder.
func (b *RequestBuilder) Build() (*http.Request, *httptest.ResponseRecorder) {
	body := b.raw
	if body == nil {
		var buf bytes.Buffer
		for _, m := range b.msgs {
			data, err := b.codec.Marshal(m)
			if err != nil {
				panic("testutil: encode message: " + err.Error())
			}
			if err := wire.WriteFrame(&buf, data, b.comp); err != nil {
				panic("testutil: write frame: " + err.Error())
			}
		}
		body = buf.Bytes()
	}
	req := httptest.NewRequest(http.MethodPost, b.path, bytes.NewReader(body))
	for k, vs := range b.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Content-Type", b.codec.ContentType())
	req.Header.Set(wire.HeaderEncoding, b.comp.Name())
	return req, httptest.NewRecorder()
}

// Serve builds the request and serves it with h.
func (b *RequestBuilder) Serve(h http.Handler) *httptest.ResponseRecorder {
	req, w := b.Build()
	h.ServeHTTP(w, req)
	return w
}

// Status returns the numeric rpc-status trailer of a response.
func Status(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	raw := w.Result().Trailer.Get(wire.TrailerStatus)
	n, err := strconv.Atoi(raw)
	if err != nil {
		t.Fatalf("response has no valid %s trailer: %q", wire.TrailerStatus, raw)
	}
	return n
}

// AssertStatus checks the rpc-status trailer.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if got := Status(t, w); got != want {
		t.Errorf("expected rpc status %d, got %d (message: %s)", want, got, w.Result().Trailer.Get(wire.TrailerMessage))
	}
}

// DecodeFrames decodes every response frame into a map.
func DecodeFrames(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	codec, err := wire.CodecFor(w.Header().Get("Content-Type"))
	if err != nil {
		t.Fatalf("response content type: %v", err)
	}
	comp, err := wire.CompressorFor(w.Header().Get(wire.HeaderEncoding))
	if err != nil {
		t.Fatalf("response encoding: %v", err)
	}
	var out []map[string]any
	r := bytes.NewReader(w.Body.Bytes())
	for {
		data, err := wire.ReadFrame(r, comp, 0)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("read frame %d: %v", len(out), err)
		}
		var m map[string]any
		if err := codec.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode frame %d: %v", len(out), err)
		}
		out = append(out, m)
	}
}
