package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"xhsagent/internal/config"
	logx "xhsagent/pkg/logx"
)

// GeneratedImage is one image generation result. A zero value means the
// slot produced nothing; callers decide whether that degrades or fails
// the whole note.
type GeneratedImage struct {
	URL     string `json:"url"`
	B64JSON string `json:"b64_json"`
}

func (g GeneratedImage) Empty() bool { return g.URL == "" && g.B64JSON == "" }

// ratioToSize maps aspect ratios to the 2K sizes the image model accepts.
var ratioToSize = map[string]string{
	"1:1":  "2048x2048",
	"4:3":  "2304x1728",
	"3:4":  "1728x2304",
	"16:9": "2560x1440",
	"9:16": "1440x2560",
	"3:2":  "2496x1664",
	"2:3":  "1664x2496",
	"21:9": "3024x1296",
}

const defaultAspectRatio = "3:4"

const photoStylePrefix = "手机随手误拍风格，极度真实的生活快照，" +
	"拍摄角度略微倾斜尴尬，主体偏移，背景杂乱，" +
	"自然光局部轻微过曝，轻微手持抖动模糊感，" +
	"轻微噪点，无滤镜无后期，真实粗粝的生活质感，"

const posterStylePrefix = "海报设计风格，无水印，"

var photoStyleMarkers = []string{"手机随手误拍", "误拍风格", "生活快照", "手持抖动"}
var posterStyleMarkers = []string{"海报设计风格", "商业海报", "构图精准"}

func buildStyledPrompt(prompt, style string) string {
	markers, prefix := photoStyleMarkers, photoStylePrefix
	if style == StylePoster {
		markers, prefix = posterStyleMarkers, posterStylePrefix
	}
	for _, m := range markers {
		if strings.Contains(prompt, m) {
			return prompt
		}
	}
	return prefix + prompt
}

// ImageClient calls one OpenAI-compatible images/generations endpoint.
type ImageClient struct {
	http        *http.Client
	base        string
	key         string
	model       string
	concurrency int
	log         logx.Logger
}

func NewImageClient(cfg config.GeneratorConfig, log logx.Logger) (*ImageClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("image generator: base_url is required")
	}
	timeout, err := config.ParseDurationOrDefault("image.timeout", cfg.Timeout, 3*time.Minute)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ImageClient{
		http:        &http.Client{Timeout: timeout},
		base:        strings.TrimRight(cfg.BaseURL, "/"),
		key:         cfg.APIKey,
		model:       cfg.Model,
		concurrency: 4,
		log:         log,
	}, nil
}

// Generate produces one image per prompt. Poster notes run sequentially so
// the first result can feed back as a style reference for the rest; photo
// notes run concurrently. A failed slot yields a zero GeneratedImage rather
// than failing the batch.
func (c *ImageClient) Generate(ctx context.Context, prompts []string, aspectRatio string, styles []string, refURLs []string) ([]GeneratedImage, error) {
	if len(prompts) == 0 {
		return nil, nil
	}

	size, ok := ratioToSize[aspectRatio]
	if !ok {
		c.log.Warn("unsupported aspect ratio, using default",
			logx.String("ratio", aspectRatio), logx.String("default", defaultAspectRatio))
		aspectRatio = defaultAspectRatio
		size = ratioToSize[defaultAspectRatio]
	}

	for len(styles) < len(prompts) {
		styles = append(styles, StylePhoto)
	}

	built := make([]string, len(prompts))
	for i, p := range prompts {
		built[i] = buildStyledPrompt(p, styles[i])
	}

	if styles[0] == StylePoster {
		return c.generateSequential(ctx, built, size, aspectRatio, refURLs)
	}
	return c.generateConcurrent(ctx, built, size, aspectRatio, refURLs)
}

func (c *ImageClient) generateSequential(ctx context.Context, prompts []string, size, ratio string, refURLs []string) ([]GeneratedImage, error) {
	images := make([]GeneratedImage, 0, len(prompts))
	refs := append([]string(nil), refURLs...)
	for i, prompt := range prompts {
		c.log.Info("generating poster image",
			logx.Int("slot", i+1), logx.Int("total", len(prompts)))
		img, err := c.callOne(ctx, prompt, size, ratio, refs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Error("image slot failed", logx.Int("slot", i+1), logx.Err(err))
			img = GeneratedImage{}
		}
		images = append(images, img)
		if i == 0 && img.URL != "" {
			refs = append(refs, img.URL)
		}
	}
	return images, nil
}

func (c *ImageClient) generateConcurrent(ctx context.Context, prompts []string, size, ratio string, refURLs []string) ([]GeneratedImage, error) {
	images := make([]GeneratedImage, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, prompt := range prompts {
		g.Go(func() error {
			img, err := c.callOne(gctx, prompt, size, ratio, refURLs)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.log.Error("image slot failed", logx.Int("slot", i+1), logx.Err(err))
				return nil
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (c *ImageClient) callOne(ctx context.Context, prompt, size, ratio string, refURLs []string) (GeneratedImage, error) {
	// nano-banana takes a ratio instead of an explicit size and ignores
	// the watermark flag.
	var payload map[string]any
	if strings.HasPrefix(c.model, "nano-banana") {
		payload = map[string]any{
			"model":           c.model,
			"prompt":          prompt,
			"response_format": "url",
			"aspect_ratio":    ratio,
		}
	} else {
		payload = map[string]any{
			"model":           c.model,
			"prompt":          prompt,
			"n":               1,
			"response_format": "url",
			"size":            size,
			"watermark":       false,
		}
	}
	if len(refURLs) > 0 {
		payload["image"] = refURLs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return GeneratedImage{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return GeneratedImage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return GeneratedImage{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return GeneratedImage{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return GeneratedImage{}, fmt.Errorf("image generation status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return GeneratedImage{}, nil
	}

	var out struct {
		Data []GeneratedImage `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return GeneratedImage{}, fmt.Errorf("decode image response: %w", err)
	}
	if len(out.Data) == 0 {
		c.log.Warn("image response has empty data")
		return GeneratedImage{}, nil
	}
	return out.Data[0], nil
}
