package xhs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"net/url"
	"os"
	"strconv"

	logx "xhsagent/pkg/logx"
)

const uploadBaseURL = "https://ros-upload.xiaohongshu.com"

// Topic is a platform hashtag the note links to.
type Topic struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Link string `json:"link"`
}

// SuggestTopics resolves a keyword to the platform's canonical topic entries.
func (c *Client) SuggestTopics(ctx context.Context, keyword string) ([]Topic, error) {
	body := map[string]any{
		"keyword":               keyword,
		"suggest_topic_request": map[string]any{"title": "", "desc": keyword},
		"page":                  map[string]any{"page_size": 20, "page": 1},
	}
	raw, err := c.Post(ctx, "/web_api/sns/v1/search/topic", body)
	if err != nil {
		return nil, err
	}
	var data struct {
		TopicInfoDicts []Topic `json:"topic_info_dicts"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("search/topic: %w", err)
	}
	return data.TopicInfoDicts, nil
}

// PublishResult identifies the platform-side note created by a publish.
type PublishResult struct {
	NoteID string `json:"id"`
	Score  int    `json:"score"`
}

// CreateImageNote uploads the local image files and publishes them as one
// image note with the given title, description, and topics.
func (c *Client) CreateImageNote(ctx context.Context, title, desc string, imagePaths []string, topics []Topic) (*PublishResult, error) {
	if len(imagePaths) == 0 {
		return nil, fmt.Errorf("create note %q: no images", title)
	}

	images := make([]map[string]any, 0, len(imagePaths))
	for _, path := range imagePaths {
		info, err := c.uploadImage(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", path, err)
		}
		images = append(images, info)
	}

	hashTags := make([]map[string]any, 0, len(topics))
	for _, t := range topics {
		desc += fmt.Sprintf(" #%s[话题]#", t.Name)
		hashTags = append(hashTags, map[string]any{
			"id": t.ID, "name": t.Name, "link": t.Link, "type": "topic",
		})
	}

	body := map[string]any{
		"common": map[string]any{
			"type":           "normal",
			"note_id":        "",
			"title":          title,
			"desc":           desc,
			"source":         `{"type":"web","ids":"","extraInfo":"{\"subType\":\"official\"}"}`,
			"business_binds": `{"version":1,"noteId":0,"bizType":0,"noteOrderBind":{},"notePostTiming":{},"noteCollectionBind":{"id":""}}`,
			"ats":            []any{},
			"hash_tag":       hashTags,
			"post_loc":       map[string]any{},
			"privacy_info":   map[string]any{"op_type": 1, "type": 0},
		},
		"image_info": map[string]any{"images": images},
		"video_info": map[string]any{},
	}

	raw, err := c.Post(ctx, "/web_api/sns/v2/note", body)
	if err != nil {
		return nil, err
	}
	var res PublishResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	c.log.Info("note published", logx.String("note_id", res.NoteID), logx.String("title", title))
	return &res, nil
}

// uploadImage obtains an upload permit, pushes the file bytes to the CDN
// store, and returns the image_info entry for the note body.
func (c *Client) uploadImage(ctx context.Context, path string) (map[string]any, error) {
	fileID, token, err := c.uploadPermit(ctx)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	width, height := imageSize(data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadBaseURL+"/"+fileID, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Cos-Security-Token", token)
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload status %d", resp.StatusCode)
	}

	return map[string]any{
		"file_id":         fileID,
		"width":           width,
		"height":          height,
		"metadata":        map[string]any{"source": -1},
		"stickers":        map[string]any{"version": 2, "floating": []any{}},
		"extra_info_json": `{"mimeType":"image/jpeg"}`,
	}, nil
}

func (c *Client) uploadPermit(ctx context.Context) (fileID, token string, err error) {
	params := url.Values{}
	params.Set("biz_name", "spectrum")
	params.Set("scene", "image")
	params.Set("file_count", strconv.Itoa(1))
	params.Set("version", "1")
	params.Set("source", "web")

	raw, err := c.Get(ctx, "/api/media/v1/upload/creator/permit", params)
	if err != nil {
		return "", "", err
	}
	var data struct {
		UploadTempPermits []struct {
			FileIDs []string `json:"fileIds"`
			Token   string   `json:"token"`
		} `json:"uploadTempPermits"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", "", fmt.Errorf("upload permit: %w", err)
	}
	if len(data.UploadTempPermits) == 0 || len(data.UploadTempPermits[0].FileIDs) == 0 {
		return "", "", fmt.Errorf("upload permit: empty response")
	}
	p := data.UploadTempPermits[0]
	return p.FileIDs[0], p.Token, nil
}

// imageSize decodes just the header; failures fall back to the platform's
// portrait default so the note is still accepted.
func imageSize(data []byte) (w, h int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 1080, 1440
	}
	return cfg.Width, cfg.Height
}
