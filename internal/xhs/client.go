// Package xhs wraps outbound HTTP to the target platform.
//
// Every call path is: build signature headers via the signing subsystem,
// issue the request with a browser-like header fingerprint, then interpret
// the response envelope. Verification challenges (HTTP 471/461) surface as
// *ChallengeError and are never retried here.
package xhs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"xhsagent/internal/sign"
	logx "xhsagent/pkg/logx"
)

const DefaultBaseURL = "https://edith.xiaohongshu.com"

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"

type Config struct {
	BaseURL    string
	Timeout    time.Duration // per call; 0 means 30s
	RatePerSec int           // 0 disables throttling
}

// Client is a signed HTTP client for one session identity (cookie).
type Client struct {
	http    *http.Client
	base    string
	signer  *sign.Signer
	cookie  string
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, signer *sign.Signer, cookie string, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		base:    base,
		signer:  signer,
		cookie:  cookie,
		limiter: lim,
		log:     log,
	}
}

// baseHeaders mirrors an ordinary Chrome session; the platform fingerprints
// unusual clients.
func (c *Client) baseHeaders(h http.Header) {
	h.Set("Cookie", c.cookie)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Origin", "https://www.xiaohongshu.com")
	h.Set("Referer", "https://www.xiaohongshu.com/")
	h.Set("Sec-Ch-Ua", `"Not:A-Brand";v="99", "Google Chrome";v="131", "Chromium";v="131"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"macOS"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-site")
	h.Set("User-Agent", userAgent)
}

func (c *Client) Get(ctx context.Context, uri string, params url.Values) (json.RawMessage, error) {
	fullURI := uri
	if len(params) > 0 {
		fullURI = uri + "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, fullURI, nil)
}

func (c *Client) Post(ctx context.Context, uri string, body any) (json.RawMessage, error) {
	if body == nil {
		body = map[string]any{}
	}
	return c.do(ctx, http.MethodPost, uri, body)
}

func (c *Client) do(ctx context.Context, method, uri string, body any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	sig, err := c.signer.Sign(ctx, uri, body, c.cookie)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, uri, err)
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+uri, rd)
	if err != nil {
		return nil, err
	}
	c.baseHeaders(req.Header)
	sig.Apply(req.Header)
	req.Header.Set("x-xray-traceid", xrayTraceID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, uri, err)
	}
	defer resp.Body.Close()

	return c.interpret(resp, method, uri)
}

// envelope is the platform's JSON response wrapper: either a boolean success
// flag or a numeric code field, with payload under data.
type envelope struct {
	Success *bool           `json:"success"`
	Code    *int            `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) interpret(resp *http.Response, method, uri string) (json.RawMessage, error) {
	if resp.StatusCode == 471 || resp.StatusCode == 461 {
		ce := &ChallengeError{
			StatusCode: resp.StatusCode,
			Type:       resp.Header.Get("Verifytype"),
			UUID:       resp.Header.Get("Verifyuuid"),
		}
		c.log.Warn("verification challenge",
			logx.String("uri", uri), logx.String("type", ce.Type), logx.String("uuid", ce.UUID))
		return nil, ce
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, uri, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s %s: status %d", method, uri, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s %s: decode: %w", method, uri, err)
	}

	if (env.Success != nil && *env.Success) || (env.Code != nil && *env.Code == 0) {
		return env.Data, nil
	}

	apiErr := &APIError{Msg: env.Msg}
	if env.Code != nil {
		apiErr.Code = *env.Code
	}
	if apiErr.Msg == "" {
		apiErr.Msg = truncate(string(raw), 300)
	}
	return nil, apiErr
}

// xrayTraceID is a fresh 16-hex-char id per request, separate from the
// signature's b3 trace id.
func xrayTraceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
