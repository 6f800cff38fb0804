// Package upstream forwards admitted requests to the shared upstream API,
// substituting the caller's bearer token for the pooled credential and
// extracting token-usage figures from the response for accounting.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/org/raskol/pkg/errors"
)

// MaxBodySize bounds how much of a request or response body is buffered,
// matching the original implementation's 10MiB ceiling.
const MaxBodySize = 10 * 1024 * 1024

// hopByHopHeaders are stripped from both the inbound request and the
// upstream response, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Config configures the client used to reach the shared upstream API.
type Config struct {
	TargetAddress      string
	TargetAuthToken    string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Client forwards proxied requests to Config.TargetAddress over HTTPS.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	transport := &http.Transport{}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// Usage is the token accounting pulled out of an upstream JSON response's
// "usage" object. Fields beyond TotalTokens are carried for observability
// but only TotalTokens is charged against a user's daily quota.
type Usage struct {
	TotalTokens      uint64  `json:"total_tokens"`
	PromptTokens     uint64  `json:"prompt_tokens"`
	CompletionTokens uint64  `json:"completion_tokens"`
	QueueTime        float64 `json:"queue_time"`
	PromptTime       float64 `json:"prompt_time"`
	CompletionTime   float64 `json:"completion_time"`
	TotalTime        float64 `json:"total_time"`
}

type usageEnvelope struct {
	Usage Usage `json:"usage"`
}

// Response is what Forward returns: the upstream's status, headers and body
// to relay back to the caller, plus any usage it could extract.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      Usage
	HasUsage   bool
}

// Forward substitutes the pooled credential for the caller's, strips
// hop-by-hop and identifying headers, and relays body to
// https://TargetAddress/path. It returns an error when body exceeds
// MaxBodySize, when the request cannot be built, or when the upstream could
// not be reached or its response not read; a non-2xx upstream response is
// relayed as a normal Response for pass-through to the caller.
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, header http.Header, body []byte) (*Response, error) {
	if len(body) > MaxBodySize {
		return nil, apperrors.NewValidationError("request body exceeds maximum size", nil)
	}

	targetURL := fmt.Sprintf("https://%s%s", c.cfg.TargetAddress, path)
	if rawQuery != "" {
		targetURL += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalError("build upstream request", err)
	}
	req.Header = cloneHeader(header)
	stripHeaders(req.Header)
	req.Header.Set("Authorization", "Bearer "+c.cfg.TargetAuthToken)
	req.Host = c.cfg.TargetAddress

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamUnreachableError("failed to reach upstream", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, apperrors.NewUpstreamUnreachableError("failed to read upstream response", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}
	stripHeaders(out.Header)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && isJSON(resp.Header.Get("Content-Type")) {
		var env usageEnvelope
		if err := json.Unmarshal(respBody, &env); err == nil {
			out.Usage = env.Usage
			out.HasUsage = true
		}
	}

	return out, nil
}

// isJSON reports whether a Content-Type header value indicates a JSON body,
// per spec: usage extraction is gated on the response actually declaring
// JSON rather than on unmarshal happening to succeed.
func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func stripHeaders(h http.Header) {
	h.Del("Authorization")
	h.Del("Host")
	h.Del("Content-Length")
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
