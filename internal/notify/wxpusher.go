package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"xhsagent/internal/config"
)

const wxpusherBaseURL = "https://wxpusher.zjiecode.com/api"

// WxPusher delivers notifications to WeChat via the WxPusher service.
type WxPusher struct {
	http     *http.Client
	base     string
	appToken string
	uids     []string
}

func NewWxPusher(cfg config.WxPusherConfig) (*WxPusher, error) {
	if cfg.AppToken == "" || len(cfg.UIDs) == 0 {
		return nil, fmt.Errorf("wxpusher: app_token and uids are required")
	}
	return &WxPusher{
		http:     &http.Client{},
		base:     wxpusherBaseURL,
		appToken: cfg.AppToken,
		uids:     cfg.UIDs,
	}, nil
}

func (w *WxPusher) Name() string { return "wxpusher" }

func (w *WxPusher) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"appToken":    w.appToken,
		"content":     msg.Body,
		"contentType": 1,
		"uids":        w.uids,
	}
	if msg.Summary != "" {
		payload["summary"] = msg.Summary
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(w.base, "/")+"/send/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("wxpusher status %d", resp.StatusCode)
	}

	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("wxpusher: decode response: %w", err)
	}
	if out.Code != 1000 {
		return fmt.Errorf("wxpusher rejected message: %s (code %d)", out.Msg, out.Code)
	}
	return nil
}
