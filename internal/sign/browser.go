package sign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	logx "xhsagent/pkg/logx"
)

const (
	platformOrigin = "https://www.xiaohongshu.com"
	cookieDomain   = ".xiaohongshu.com"

	browserNavTimeout = 45 * time.Second
	browserEvalLimit  = 15 * time.Second
)

// BrowserStrategy signs requests by evaluating the platform's own client-side
// code inside a headless Chrome page with the session cookies injected.
//
// The page is an exclusive resource: one evaluation at a time. All calls
// serialize on an internal mutex; prefer the script strategy when throughput
// matters.
type BrowserStrategy struct {
	log logx.Logger

	mu        sync.Mutex // guards the page and serializes Sign calls
	allocCtx  context.Context
	allocStop context.CancelFunc
	pageCtx   context.Context
	pageStop  context.CancelFunc
	cookie    string // cookie string the current page was initialized with
}

func NewBrowserStrategy(log logx.Logger) (*BrowserStrategy, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(BrowserUserAgent),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocStop := chromedp.NewExecAllocator(context.Background(), opts...)
	return &BrowserStrategy{log: log, allocCtx: allocCtx, allocStop: allocStop}, nil
}

// BrowserUserAgent duplicates the fingerprint the HTTP client presents, so the
// in-page signer and the outbound requests describe the same browser.
const BrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"

func (b *BrowserStrategy) Sign(ctx context.Context, uri string, body any, cookie string) (Headers, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensurePageLocked(ctx, cookie); err != nil {
		return Headers{}, err
	}

	expr, err := signExpr(uri, body)
	if err != nil {
		return Headers{}, err
	}

	evalCtx, cancel := context.WithTimeout(b.pageCtx, browserEvalLimit)
	defer cancel()

	var raw map[string]any
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(expr, &raw)); err != nil {
		return Headers{}, fmt.Errorf("page evaluate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Headers{}, err
	}

	h := Headers{
		XS:        str(raw["X-s"]),
		XT:        str(raw["X-t"]),
		XSCommon:  str(raw["X-s-common"]),
		B3TraceID: newTraceID(),
	}
	if h.XS == "" || h.XT == "" {
		return Headers{}, errors.New("page signer returned incomplete header set")
	}
	return h, nil
}

// signExpr builds the window._webmsxyw invocation. Arguments are embedded as
// JSON so the page sees exactly what the HTTP client will send.
func signExpr(uri string, body any) (string, error) {
	ub, err := json.Marshal(uri)
	if err != nil {
		return "", err
	}
	db := []byte("null")
	if body != nil {
		if db, err = json.Marshal(body); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("window._webmsxyw(%s, %s)", ub, db), nil
}

// ensurePageLocked opens (or reuses) the signing page. A cookie change forces
// a fresh page since the page's session state would no longer match.
func (b *BrowserStrategy) ensurePageLocked(ctx context.Context, cookie string) error {
	if b.pageCtx != nil && b.pageCtx.Err() == nil && b.cookie == cookie {
		return nil
	}
	return b.reloadPageLocked(ctx, cookie)
}

func (b *BrowserStrategy) reloadPageLocked(ctx context.Context, cookie string) error {
	if b.pageStop != nil {
		b.pageStop()
		b.pageCtx, b.pageStop = nil, nil
	}

	pageCtx, pageStop := chromedp.NewContext(b.allocCtx)
	navCtx, cancel := context.WithTimeout(pageCtx, browserNavTimeout)
	defer cancel()

	actions := []chromedp.Action{setCookies(cookie), chromedp.Navigate(platformOrigin)}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		pageStop()
		return fmt.Errorf("open signing page: %w", err)
	}
	if err := ctx.Err(); err != nil {
		pageStop()
		return err
	}

	b.pageCtx, b.pageStop, b.cookie = pageCtx, pageStop, cookie
	b.log.Info("signing page loaded", logx.String("origin", platformOrigin))
	return nil
}

// Reinit discards the current page; the next Sign opens a fresh one.
func (b *BrowserStrategy) Reinit(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pageStop != nil {
		b.pageStop()
		b.pageCtx, b.pageStop = nil, nil
	}
	b.cookie = ""
	return nil
}

func (b *BrowserStrategy) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pageStop != nil {
		b.pageStop()
		b.pageCtx, b.pageStop = nil, nil
	}
	if b.allocStop != nil {
		b.allocStop()
	}
	return nil
}

func setCookies(cookie string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, part := range strings.Split(cookie, ";") {
			part = strings.TrimSpace(part)
			name, value, ok := strings.Cut(part, "=")
			if !ok || name == "" {
				continue
			}
			err := network.SetCookie(strings.TrimSpace(name), strings.TrimSpace(value)).
				WithDomain(cookieDomain).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
