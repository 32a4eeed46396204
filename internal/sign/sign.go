// Package sign computes the per-request authentication headers the platform
// expects. Two interchangeable strategies exist: an embedded-script engine
// (fast, concurrent-safe) and a headless-browser page evaluation (slow,
// exclusive). Both produce the same header set.
package sign

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	logx "xhsagent/pkg/logx"
)

// Headers is the signature header set attached to every platform request.
type Headers struct {
	XS        string // x-s: per-request signature
	XT        string // x-t: signing timestamp (ms)
	XSCommon  string // x-s-common: session/environment blob
	B3TraceID string // x-b3-traceid
	Mns       string // x-mns: auxiliary token (empty if the script lacks it)
}

// Apply sets the signature headers on an outgoing request.
func (h Headers) Apply(dst http.Header) {
	dst.Set("x-s", h.XS)
	dst.Set("x-t", h.XT)
	dst.Set("x-s-common", h.XSCommon)
	dst.Set("x-b3-traceid", h.B3TraceID)
	if h.Mns != "" {
		dst.Set("x-mns", h.Mns)
	}
}

// Strategy computes signature headers for one request.
//
// Sign receives the request path (with query), the JSON body (nil for GET),
// and the full session cookie string.
type Strategy interface {
	Sign(ctx context.Context, uri string, body any, cookie string) (Headers, error)
	// Reinit rebuilds the underlying resource (script context or browser page).
	Reinit(ctx context.Context) error
	Close() error
}

const (
	StrategyScript  = "script"
	StrategyBrowser = "browser"

	attemptsPerBudget = 3
	attemptBackoff    = 500 * time.Millisecond
)

// Signer wraps a Strategy with the retry policy: up to 3 attempts with a
// fixed short backoff; if the budget exhausts, one Reinit and a fresh
// 3-attempt budget; after that signing fails fatally for the request.
// A broken signer will not heal by simply calling again, so callers must
// not retry further up the stack.
type Signer struct {
	strategy Strategy
	log      logx.Logger
}

func New(strategy Strategy, log logx.Logger) *Signer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Signer{strategy: strategy, log: log}
}

func (s *Signer) Sign(ctx context.Context, uri string, body any, cookie string) (Headers, error) {
	h, err := s.attempt(ctx, uri, body, cookie)
	if err == nil {
		return h, nil
	}

	s.log.Warn("signing budget exhausted; reinitializing signer",
		logx.String("a1", cookieValue(cookie, "a1")), logx.Err(err))
	if rerr := s.strategy.Reinit(ctx); rerr != nil {
		return Headers{}, fmt.Errorf("sign: reinit after failures: %w", rerr)
	}

	h, err = s.attempt(ctx, uri, body, cookie)
	if err != nil {
		return Headers{}, fmt.Errorf("sign: %w", err)
	}
	return h, nil
}

func (s *Signer) attempt(ctx context.Context, uri string, body any, cookie string) (Headers, error) {
	var lastErr error
	for i := 0; i < attemptsPerBudget; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Headers{}, ctx.Err()
			case <-time.After(attemptBackoff):
			}
		}
		h, err := s.strategy.Sign(ctx, uri, body, cookie)
		if err == nil {
			return h, nil
		}
		lastErr = err
		s.log.Debug("sign attempt failed",
			logx.Int("attempt", i+1), logx.String("uri", uri), logx.Err(err))
	}
	return Headers{}, lastErr
}

func (s *Signer) Close() error { return s.strategy.Close() }

// newTraceID mirrors the platform's 16-hex-char b3 trace id.
func newTraceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b[:])
}

// cookieValue extracts one cookie by name from a raw Cookie header string.
func cookieValue(cookie, name string) string {
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		if k, v, ok := strings.Cut(part, "="); ok && k == name {
			return v
		}
	}
	return ""
}
