package modelrpc

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/broady/modelrpc/wire"
)

// statusDetails is the rpc-details trailer body.
type statusDetails struct {
	Details    map[string]any `cbor:"details,omitempty"`
	Violations []Violation    `cbor:"violations,omitempty"`
}

// Handler returns an http.Handler serving every registered method at
// POST /<Service>/<Method>. It speaks HTTP/2 over TLS and, for cleartext
// connections, HTTP/2 with prior knowledge (h2c).
func (a *App) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(a.serveHTTP)
	for i := len(a.middlewares) - 1; i >= 0; i-- {
		h = a.middlewares[i](h)
	}
	return h2c.NewHandler(h, &http2.Server{})
}

func (a *App) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	service, method, ok := strings.Cut(strings.Trim(r.URL.Path, "/"), "/")
	if !ok || service == "" || method == "" || strings.Contains(method, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	codec, err := wire.CodecFor(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	inComp, err := wire.CompressorFor(r.Header.Get(wire.HeaderEncoding))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	// Responses mirror the request's encoding; without one they use the
	// configured compression.
	outComp := inComp
	if r.Header.Get(wire.HeaderEncoding) == "" {
		if outComp, err = wire.CompressorFor(a.settings.Compression); err != nil {
			outComp = wire.Identity
		}
	}

	h := w.Header()
	h.Set("Content-Type", codec.ContentType())
	h.Set(wire.HeaderEncoding, outComp.Name())
	h.Set("Trailer", strings.Join([]string{wire.TrailerStatus, wire.TrailerMessage, wire.TrailerDetails}, ", "))

	ctx := r.Context()
	if v := r.Header.Get(wire.HeaderTimeout); v != "" {
		d, err := wire.ParseTimeout(v)
		if err != nil {
			w.WriteHeader(http.StatusOK)
			writeStatus(w, NewError(CodeInvalidArgument, err.Error()))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	_ = http.NewResponseController(w).EnableFullDuplex()
	w.WriteHeader(http.StatusOK)

	t := &httpTransport{body: r.Body, w: w, in: inComp, out: outComp, limit: a.settings.MaxMessageSize}
	rc := a.Dispatch(ctx, &Call{
		Service:   service,
		Method:    method,
		Metadata:  MetadataFromHeader(r.Header),
		Codec:     codec,
		Transport: t,
	})
	writeStatus(w, rc.Status())
}

// httpTransport carries frames over one HTTP exchange.
type httpTransport struct {
	body    io.Reader
	w       http.ResponseWriter
	in, out wire.Compressor
	limit   int

	mu sync.Mutex
}

func (t *httpTransport) Recv() ([]byte, error) {
	data, err := wire.ReadFrame(t.body, t.in, t.limit)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return data, err
	case errors.Is(err, wire.ErrTooLarge):
		return nil, Errorf(CodeResourceExhausted, "%v", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, NewError(CodeInvalidArgument, "truncated frame")
	}
	return nil, err
}

func (t *httpTransport) Send(payload []byte) error {
	if t.limit > 0 && len(payload) > t.limit {
		return Errorf(CodeResourceExhausted, "response of %d bytes exceeds the message size limit", len(payload))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := wire.WriteFrame(t.w, payload, t.out); err != nil {
		return err
	}
	if f, ok := t.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// writeStatus sets the status trailers. A nil status is OK.
func writeStatus(w http.ResponseWriter, status *Error) {
	h := w.Header()
	if status == nil {
		h.Set(wire.TrailerStatus, strconv.Itoa(int(CodeOK)))
		return
	}
	h.Set(wire.TrailerStatus, strconv.Itoa(int(status.Code)))
	h.Set(wire.TrailerMessage, url.PathEscape(status.Message))
	if len(status.Details) == 0 && len(status.Violations) == 0 {
		return
	}
	data, err := wire.MarshalCBOR(statusDetails{Details: status.Details, Violations: status.Violations})
	if err != nil {
		return
	}
	h.Set(wire.TrailerDetails, base64.StdEncoding.EncodeToString(data))
}

// statusFromTrailer reads the status trailers. A missing status is an
// error; OK is nil.
func statusFromTrailer(t http.Header) *Error {
	raw := t.Get(wire.TrailerStatus)
	if raw == "" {
		return NewError(CodeUnknown, "response carried no status")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return Errorf(CodeUnknown, "malformed status %q", raw)
	}
	if Code(n) == CodeOK {
		return nil
	}
	msg, err := url.PathUnescape(t.Get(wire.TrailerMessage))
	if err != nil {
		msg = t.Get(wire.TrailerMessage)
	}
	st := &Error{Code: Code(n), Message: msg}
	if d := t.Get(wire.TrailerDetails); d != "" {
		if data, err := base64.StdEncoding.DecodeString(d); err == nil {
			var sd statusDetails
			if wire.UnmarshalCBOR(data, &sd) == nil {
				st.Details, st.Violations = sd.Details, sd.Violations
			}
		}
	}
	return st
}
