// Package gen talks to the OpenAI-compatible generation APIs: one chat
// endpoint for note text and image prompt planning, one image endpoint for
// the actual pictures.
package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"xhsagent/internal/config"
	logx "xhsagent/pkg/logx"
)

// Content is one generated note: text plus the plan for its images.
type Content struct {
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Hashtags     []string `json:"hashtags"`
	ImagePrompts []string `json:"image_prompts"`
	ImageStyles  []string `json:"image_styles"`
}

// UnifiedStyle returns the note-wide visual style, photo or poster.
func (c *Content) UnifiedStyle() string {
	if len(c.ImageStyles) > 0 && c.ImageStyles[0] == StylePoster {
		return StylePoster
	}
	return StylePhoto
}

const contentSystemPrompt = `你是一位专业的小红书内容创作者，擅长创作爆款图文笔记。
你的任务是根据用户给出的主题，生成一篇完整的小红书笔记内容。

输出必须是严格的 JSON 格式，包含以下字段：
{
  "title": "吸引眼球的标题（含emoji，15字以内）",
  "body": "正文内容（含emoji，200-400字，分段落，有感染力）",
  "hashtags": ["话题标签1", "话题标签2", ...],
  "image_prompts": ["图片1的中文提示词", "图片2的中文提示词", ...],
  "image_styles": ["photo 或 poster，整篇笔记统一，列表只含一个值"]
}

【image_prompts 生成规则】
每张图片提示词必须同时满足：
1. 真实感：真人用手机随手拍的生活照风格，自然光或暖光，轻微噪点，
   非完美构图，绝对不能有 AI 绘画感、插画感、过度磨皮感。
2. 网感：符合当下小红书流行的视觉风格（俯拍、暖色调、背景虚化等）。
3. 中文文字入图：在图片显眼位置写上与主题相关的中文短句（5-10字），
   手写风格或贴纸风格，与背景形成对比。

注意：
- 标题要有吸引力，可以用数字、疑问句或感叹句
- 正文要真实、有温度，像真人分享
- 话题标签要精准，覆盖核心关键词`

// LLMClient calls one chat-completions endpoint.
type LLMClient struct {
	http  *http.Client
	base  string
	key   string
	model string
	log   logx.Logger
}

func NewLLMClient(cfg config.GeneratorConfig, log logx.Logger) (*LLMClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("text generator: base_url is required")
	}
	timeout, err := cfg.CallTimeout()
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LLMClient{
		http:  &http.Client{Timeout: timeout},
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		key:   cfg.APIKey,
		model: cfg.Model,
		log:   log,
	}, nil
}

// GenerateContent produces the full note text and image plan for a topic.
func (c *LLMClient) GenerateContent(ctx context.Context, topic, style string, imageCount int) (*Content, error) {
	user := fmt.Sprintf("主题：%s\n风格：%s\n需要生成 %d 张配图的提示词", topic, style, imageCount)

	raw, err := c.chatJSON(ctx, contentSystemPrompt, user, 0.8)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("generate content: decode model output: %w", err)
	}
	if content.Title == "" || content.Body == "" {
		return nil, fmt.Errorf("generate content: model returned empty title or body")
	}
	c.log.Info("content generated",
		logx.String("topic", topic),
		logx.String("title", content.Title),
		logx.Int("prompts", len(content.ImagePrompts)))
	return &content, nil
}

// chatJSON runs one JSON-mode chat completion and returns the message content.
func (c *LLMClient) chatJSON(ctx context.Context, system, user string, temperature float64) ([]byte, error) {
	return c.chat(ctx, system, user, temperature, 2048, true)
}

func (c *LLMClient) chat(ctx context.Context, system, user string, temperature float64, maxTokens int, jsonMode bool) ([]byte, error) {
	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	if jsonMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat completion status %d: %s", resp.StatusCode, truncate(string(data), 300))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}
	return []byte(out.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
