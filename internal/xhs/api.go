package xhs

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"net/url"
	"strings"
	"time"

	logx "xhsagent/pkg/logx"
)

// SelfInfo returns the session account's profile.
func (c *Client) SelfInfo(ctx context.Context) (map[string]any, error) {
	return c.getMap(ctx, "/api/sns/web/v1/user/selfinfo", nil)
}

// Note is the subset of a feed item the agent cares about.
type Note struct {
	NoteID    string `json:"note_id"`
	Type      string `json:"type"`
	Title     string `json:"display_title"`
	LikedCnt  string `json:"likes"`
	XsecToken string `json:"xsec_token"`
}

type NotesPage struct {
	Notes   []Note `json:"notes"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

// UserNotes fetches one page of an account's published content.
func (c *Client) UserNotes(ctx context.Context, userID, cursor string) (*NotesPage, error) {
	params := url.Values{}
	params.Set("num", "30")
	params.Set("cursor", cursor)
	params.Set("user_id", userID)
	params.Set("image_formats", "jpg,webp,avif")
	params.Set("xsec_token", "")
	params.Set("xsec_source", "")

	raw, err := c.Get(ctx, "/api/sns/web/v1/user_posted", params)
	if err != nil {
		return nil, err
	}
	var page NotesPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("user_posted: %w", err)
	}
	return &page, nil
}

// UserAllNotes follows the cursor until the platform reports no more pages
// and returns one flattened list.
func (c *Client) UserAllNotes(ctx context.Context, userID string) ([]Note, error) {
	var (
		all    []Note
		cursor string
	)
	for {
		page, err := c.UserNotes(ctx, userID, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Notes...)
		if !page.HasMore || len(page.Notes) == 0 {
			break
		}
		cursor = page.Cursor
	}
	c.log.Info("fetched user notes", logx.String("user_id", userID), logx.Int("count", len(all)))
	return all, nil
}

// SearchNotes runs a keyword search (POST /api/sns/web/v1/search/notes).
func (c *Client) SearchNotes(ctx context.Context, keyword string, page, pageSize int) (map[string]any, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	body := map[string]any{
		"keyword":   keyword,
		"page":      page,
		"page_size": pageSize,
		"search_id": searchID(),
		"sort":      "general",
		"note_type": 0,
	}
	return c.postMap(ctx, "/api/sns/web/v1/search/notes", body)
}

// NoteFeed fetches one note's detail (POST /api/sns/web/v1/feed).
func (c *Client) NoteFeed(ctx context.Context, noteID, xsecToken string) (map[string]any, error) {
	body := map[string]any{
		"source_note_id": noteID,
		"image_formats":  []string{"jpg", "webp", "avif"},
		"extra":          map[string]any{"need_body_topic": 1},
		"xsec_token":     xsecToken,
		"xsec_source":    "pc_feed",
	}
	return c.postMap(ctx, "/api/sns/web/v1/feed", body)
}

// NoteComments fetches one page of a note's comments.
func (c *Client) NoteComments(ctx context.Context, noteID, cursor, xsecToken string) (map[string]any, error) {
	params := url.Values{}
	params.Set("note_id", noteID)
	params.Set("cursor", cursor)
	params.Set("top_comment_id", "")
	params.Set("image_formats", "jpg,webp,avif")
	params.Set("xsec_token", xsecToken)
	return c.getMap(ctx, "/api/sns/web/v2/comment/page", params)
}

// ShortURL resolves a note's short link (POST /api/sns/web/short_url).
func (c *Client) ShortURL(ctx context.Context, originalURL string) (map[string]any, error) {
	return c.postMap(ctx, "/api/sns/web/short_url", map[string]any{"original_url": originalURL})
}

// Homefeed fetches recommended notes for the session account.
func (c *Client) Homefeed(ctx context.Context, cursorScore string, noteIndex, num int) (map[string]any, error) {
	if num <= 0 {
		num = 18
	}
	body := map[string]any{
		"category":              "homefeed_recommend",
		"cursor_score":          cursorScore,
		"image_formats":         []string{"jpg", "webp", "avif"},
		"need_filter_image":     false,
		"need_num":              num,
		"note_index":            noteIndex,
		"num":                   num,
		"refresh_type":          3,
		"search_key":            "",
		"unread_begin_note_id":  "",
		"unread_end_note_id":    "",
		"unread_note_count":     0,
	}
	return c.postMap(ctx, "/api/sns/web/v1/homefeed", body)
}

// searchID reproduces the platform's search session id: millisecond timestamp
// shifted left 64 bits plus a random component, base36-encoded (uppercase).
func searchID() string {
	n := new(big.Int).Lsh(big.NewInt(time.Now().UnixMilli()), 64)
	n.Add(n, big.NewInt(rand.Int63n(2147483646)))
	return strings.ToUpper(n.Text(36))
}

func (c *Client) getMap(ctx context.Context, uri string, params url.Values) (map[string]any, error) {
	raw, err := c.Get(ctx, uri, params)
	if err != nil {
		return nil, err
	}
	return decodeMap(uri, raw)
}

func (c *Client) postMap(ctx context.Context, uri string, body any) (map[string]any, error) {
	raw, err := c.Post(ctx, uri, body)
	if err != nil {
		return nil, err
	}
	return decodeMap(uri, raw)
}

func decodeMap(uri string, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s: decode data: %w", uri, err)
	}
	return m, nil
}
