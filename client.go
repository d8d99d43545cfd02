package modelrpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/broady/modelrpc/wire"
)

// Client calls unary and server-streaming methods of a modelrpc server.
type Client struct {
	baseURL string
	hc      *http.Client
	codec   wire.Codec
	comp    wire.Compressor
	limit   int
	header  http.Header
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP/2 client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// WithCodec selects the payload codec. The default is CBOR.
func WithCodec(codec wire.Codec) ClientOption {
	return func(c *Client) { c.codec = codec }
}

// WithCompressor selects the frame compression. The default is identity.
func WithCompressor(comp wire.Compressor) ClientOption {
	return func(c *Client) { c.comp = comp }
}

// WithMaxMessageSize bounds received payloads. Zero is unlimited.
func WithMaxMessageSize(n int) ClientOption {
	return func(c *Client) { c.limit = n }
}

// WithHeader adds a header to every call, e.g. an authorization token.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.header.Add(key, value) }
}

// NewClient returns a client for the server at baseURL. For http:// URLs
// the default transport speaks HTTP/2 with prior knowledge.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		codec:   wire.CBOR,
		comp:    wire.Identity,
		header:  http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hc == nil {
		t := &http2.Transport{}
		if strings.HasPrefix(c.baseURL, "http://") {
			t.AllowHTTP = true
			t.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			}
		}
		c.hc = &http.Client{Transport: t}
	}
	return c
}

func (c *Client) open(ctx context.Context, service, method string, md Metadata, req any) (*http.Response, error) {
	payload, err := c.codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("modelrpc: encode request: %w", err)
	}
	var body bytes.Buffer
	if err := wire.WriteFrame(&body, payload, c.comp); err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+service+"/"+method, &body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		hreq.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range md {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Header.Set("Content-Type", c.codec.ContentType())
	hreq.Header.Set(wire.HeaderEncoding, c.comp.Name())
	if dl, ok := ctx.Deadline(); ok {
		hreq.Header.Set(wire.HeaderTimeout, wire.FormatTimeout(max(time.Until(dl), time.Millisecond)))
	}

	resp, err := c.hc.Do(hreq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, DefaultErrorTransformer(ctxErr)
		}
		return nil, Errorf(CodeUnavailable, "%v", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		resp.Body.Close()
		return nil, Errorf(CodeUnknown, "http status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Call invokes a unary method and decodes the response into res.
func (c *Client) Call(ctx context.Context, service, method string, md Metadata, req, res any) error {
	s, err := c.Stream(ctx, service, method, md, req)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Recv(res); err != nil {
		if errors.Is(err, io.EOF) {
			return NewError(CodeInternal, "response carried no message")
		}
		return err
	}
	if err := s.Recv(new(any)); !errors.Is(err, io.EOF) {
		if err == nil {
			return NewError(CodeInternal, "unary response carried more than one message")
		}
		return err
	}
	return nil
}

// Stream invokes a server-streaming method.
func (c *Client) Stream(ctx context.Context, service, method string, md Metadata, req any) (*ResponseStream, error) {
	resp, err := c.open(ctx, service, method, md, req)
	if err != nil {
		return nil, err
	}
	comp, err := wire.CompressorFor(resp.Header.Get(wire.HeaderEncoding))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &ResponseStream{resp: resp, codec: c.codec, comp: comp, limit: c.limit}, nil
}

// ResponseStream reads the responses of a server-streaming call.
type ResponseStream struct {
	resp  *http.Response
	codec wire.Codec
	comp  wire.Compressor
	limit int
	done  error
}

// Recv decodes the next message into v. After the last message it returns
// io.EOF on success or the call's *Error.
func (s *ResponseStream) Recv(v any) error {
	if s.done != nil {
		return s.done
	}
	data, err := wire.ReadFrame(s.resp.Body, s.comp, s.limit)
	if err == nil {
		if err := s.codec.Unmarshal(data, v); err != nil {
			return fmt.Errorf("modelrpc: decode response: %w", err)
		}
		return nil
	}
	if !errors.Is(err, io.EOF) {
		if ctxErr := s.resp.Request.Context().Err(); ctxErr != nil {
			s.done = DefaultErrorTransformer(ctxErr)
		} else {
			s.done = Errorf(CodeInternal, "read response: %v", err)
		}
		return s.done
	}
	if status := statusFromTrailer(s.resp.Trailer); status != nil {
		s.done = status
	} else {
		s.done = io.EOF
	}
	return s.done
}

// Close releases the connection.
func (s *ResponseStream) Close() error {
	return s.resp.Body.Close()
}
