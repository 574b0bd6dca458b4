// Package transport performs single request/response exchanges with the
// pkgsync service.
//
// Every call is one HTTP POST of form fields to a fixed endpoint, with an
// optional file attached as a multipart part. Replies are decoded into
// types.ServerResponse; server-declared errors become Go errors so the
// command loop only ever sees directive-bearing responses.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/pithecene-io/pkgsync/iox"
	"github.com/pithecene-io/pkgsync/log"
	"github.com/pithecene-io/pkgsync/metrics"
	"github.com/pithecene-io/pkgsync/types"
)

// EndpointPath is appended to the server base URL for every call.
const EndpointPath = "/api/cli"

// Form field names of the wire protocol.
const (
	fieldCommand  = "c"
	fieldVersion  = "v"
	fieldToken    = "t"
	fieldArgs     = "d"
	fieldUTCOff   = "z"
	fieldFilePart = "file"
)

// Config configures a Client.
type Config struct {
	// ServerURL is the service base URL (required), e.g. https://pkgsync.example.com.
	ServerURL string
	// Timeout bounds each exchange. Zero leaves only the network defaults.
	Timeout time.Duration
	// Output receives server messages. Defaults to os.Stdout.
	Output io.Writer
	// Logger receives debug output. Nil disables logging.
	Logger *log.Logger
	// Collector records round-trip counters. May be nil.
	Collector *metrics.Collector
	// UTCOffset returns the local offset from UTC in seconds, east positive.
	// Defaults to the offset of the local time zone at call time.
	UTCOffset func() float64
}

// Client sends commands to the service.
// It is safe for concurrent use; the upload engine calls it from workers.
type Client struct {
	endpoint  string
	http      *http.Client
	logger    *log.Logger
	collector *metrics.Collector
	utcOffset func() float64

	outMu sync.Mutex
	out   io.Writer
}

// Request is one command sent to the server.
type Request struct {
	// Command is the command name (`c`).
	Command string
	// Args is JSON-encoded as `d`. Nil encodes as an empty object.
	Args map[string]any
	// Token is JSON-encoded as `t`; nil encodes as null.
	Token *string
	// Attachment is an optional file sent as the `file` part.
	Attachment *Attachment
}

// Attachment is a local file sent alongside a request.
type Attachment struct {
	// Path is the local file to send.
	Path string
	// Name is the filename reported to the server.
	Name string
}

// TransportError reports a failed exchange: the request never completed,
// or the server answered with a non-success HTTP status.
type TransportError struct {
	Command string
	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("call %s: server returned HTTP %d", e.Command, e.StatusCode)
	}
	return fmt.Sprintf("call %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying network error, if any.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerDeclaredError is a failure reported by the server in the `error`
// field of an otherwise successful exchange.
type ServerDeclaredError struct {
	Command string
	Message string
}

func (e *ServerDeclaredError) Error() string {
	return e.Message
}

// Is classifies the error as user-facing.
func (e *ServerDeclaredError) Is(target error) bool {
	return target == types.ErrClean
}

// New creates a Client. Returns an error if the server URL is unusable.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("transport requires a server URL")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", cfg.ServerURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", cfg.ServerURL)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0, got %s", cfg.Timeout)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	offset := cfg.UTCOffset
	if offset == nil {
		offset = localUTCOffset
	}

	return &Client{
		endpoint:  strings.TrimRight(cfg.ServerURL, "/") + EndpointPath,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
		collector: cfg.Collector,
		utcOffset: offset,
		out:       out,
	}, nil
}

// Endpoint returns the full URL calls are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call performs one exchange.
//
// A non-2xx status fails with *TransportError before the body is read.
// A `message` in the reply is written to the output stream immediately.
// An `error` in the reply fails with *ServerDeclaredError after the
// message is written, so callers never see a response with Error set.
func (c *Client) Call(ctx context.Context, req Request) (*types.ServerResponse, error) {
	c.collector.IncCallSent()
	start := time.Now()

	resp, err := c.call(ctx, req)
	if err != nil {
		c.collector.IncCallFailed()
	}

	c.logger.Debug("call finished", map[string]any{
		"call":        req.Command,
		"attachment":  req.Attachment != nil,
		"duration_ms": time.Since(start).Milliseconds(),
		"ok":          err == nil,
	})
	return resp, err
}

func (c *Client) call(ctx context.Context, req Request) (*types.ServerResponse, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", req.Command, err)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Command: req.Command, Err: err}
	}
	defer iox.DiscardClose(httpResp.Body)

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		// Drain body to allow connection reuse
		_, _ = io.Copy(io.Discard, httpResp.Body)
		return nil, &TransportError{Command: req.Command, StatusCode: httpResp.StatusCode}
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Command: req.Command, Err: fmt.Errorf("read response: %w", err)}
	}

	resp, err := types.DecodeResponse(body)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", req.Command, err)
	}

	if resp.Message != nil {
		c.emit(*resp.Message)
	}
	if resp.Error != nil {
		return nil, &ServerDeclaredError{Command: req.Command, Message: *resp.Error}
	}
	return resp, nil
}

// emit writes a server message to the user-visible stream.
func (c *Client) emit(message string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintln(c.out, message)
}

// fields encodes the protocol form fields in wire order.
func (c *Client) fields(req Request) ([][2]string, error) {
	token, err := json.Marshal(req.Token)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return [][2]string{
		{fieldCommand, req.Command},
		{fieldVersion, strconv.Itoa(types.ProtocolVersion)},
		{fieldToken, string(token)},
		{fieldArgs, string(data)},
		{fieldUTCOff, strconv.FormatFloat(c.utcOffset(), 'f', -1, 64)},
	}, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	fields, err := c.fields(req)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	var contentType string
	if req.Attachment == nil {
		form := url.Values{}
		for _, f := range fields {
			form.Set(f[0], f[1])
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		buf, ct, err := multipartBody(fields, req.Attachment)
		if err != nil {
			return nil, err
		}
		body = buf
		contentType = ct
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("User-Agent", "pkgsync/"+types.Version)
	return httpReq, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartBody builds a multipart/form-data body with the protocol
// fields followed by the attached file. The file's part carries a
// content type sniffed from its bytes.
func multipartBody(fields [][2]string, att *Attachment) (*bytes.Buffer, string, error) {
	f, err := os.Open(att.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open attachment: %w", err)
	}
	defer iox.DiscardClose(f)

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, "", fmt.Errorf("detect attachment type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("rewind attachment: %w", err)
	}

	name := att.Name
	if name == "" {
		name = path.Base(att.Path)
	}

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, field := range fields {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", field[0], err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		fieldFilePart, quoteEscaper.Replace(name)))
	h.Set("Content-Type", mt.String())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finish multipart body: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

func localUTCOffset() float64 {
	_, offset := time.Now().Zone()
	return float64(offset)
}
