package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	logx "xhsagent/pkg/logx"
)

const (
	StylePhoto  = "photo"
	StylePoster = "poster"
)

// promptTemplate is one entry in the preset prompt library. The skeleton
// carries a {scene_detail} placeholder the model fills in.
type promptTemplate struct {
	Style       string `json:"style"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Template    string `json:"template"`
}

var promptTemplates = map[string]promptTemplate{
	"photo_lifestyle": {
		Style:       StylePhoto,
		Name:        "生活日常",
		Description: "适合日常生活记录、桌面物品、咖啡书本、居家场景，强调真实随手感",
		Template: "手机随手误拍风格，极度真实的生活快照，{scene_detail}，" +
			"桌面或室内场景，物品自然散落，拍摄角度略微倾斜尴尬，主体偏移，" +
			"窗边自然光从侧面照入导致局部轻微过曝，" +
			"轻微手持抖动模糊感，轻微噪点，无滤镜无后期，" +
			"真实粗粝的生活质感，无任何刻意构图感，无任何文字",
	},
	"photo_food": {
		Style:       StylePhoto,
		Name:        "美食探店",
		Description: "适合餐厅探店、菜品特写、咖啡甜品、街边小吃，强调食物真实感和环境氛围",
		Template: "手机随手误拍风格，真实探店快照，{scene_detail}，" +
			"餐桌或吧台场景，餐具自然摆放，背景有餐厅环境虚化，" +
			"暖色调室内灯光，局部轻微过曝，" +
			"轻微手持抖动，画面略微倾斜，无滤镜无后期，" +
			"真实的食物质感和色泽，无任何文字",
	},
	"photo_outdoor": {
		Style:       StylePhoto,
		Name:        "户外街拍",
		Description: "适合旅行打卡、街头场景、户外活动、城市探索，强调真实户外氛围",
		Template: "手机随手误拍风格，真实户外快照，{scene_detail}，" +
			"户外自然光线，背景有街道或自然环境，人物或主体略微偏移，" +
			"阳光直射导致局部高光溢出，轻微运动模糊，" +
			"画面略微倾斜，轻微噪点，无滤镜无后期，" +
			"真实的户外氛围和光线质感，无任何文字",
	},
	"photo_study": {
		Style:       StylePhoto,
		Name:        "学习备考",
		Description: "适合学习打卡、备考记录、书桌笔记、教材资料，强调学习氛围的真实感",
		Template: "手机随手误拍风格，真实学习场景快照，{scene_detail}，" +
			"书桌场景，笔记本、教材、文具自然散落，" +
			"台灯或窗边自然光，局部轻微过曝，" +
			"拍摄角度略微倾斜，轻微手持抖动，轻微噪点，无滤镜无后期，" +
			"真实备考氛围，无任何文字",
	},
	"poster_product": {
		Style:       StylePoster,
		Name:        "产品种草",
		Description: "适合产品推荐、好物分享、美妆护肤、数码配件",
		Template:    "海报设计风格，{scene_detail}，产品主体突出，无水印，可包含中文标题文字",
	},
	"poster_knowledge": {
		Style:       StylePoster,
		Name:        "知识干货",
		Description: "适合知识分享、技能教程、干货总结、信息图表",
		Template:    "海报设计风格，{scene_detail}，信息图表排版，无水印，可包含中文标题文字",
	},
	"poster_motivation": {
		Style:       StylePoster,
		Name:        "励志激励",
		Description: "适合励志内容、正能量分享、目标打卡、成长记录",
		Template:    "海报设计风格，{scene_detail}，视觉冲击力强，无水印，可包含中文标题文字",
	},
	"poster_event": {
		Style:       StylePoster,
		Name:        "活动推广",
		Description: "适合节日活动、品牌推广、限时优惠、打卡挑战",
		Template:    "海报设计风格，{scene_detail}，氛围感强，无水印，可包含中文标题文字",
	},
}

const promptAgentSystem = `你是一位专业的图片提示词工程师，专门为小红书图文笔记生成高质量的图片提示词。

你的任务：
1. 根据笔记主题、风格和每张图片的用途，从可用模板中选择最合适的模板
2. 将模板中的 {scene_detail} 替换为与主题高度相关的具体场景描述（30-50字）
3. 返回最终的提示词列表

可用模板列表（JSON格式）：
{templates_json}

输出必须是严格的 JSON 格式：
{
  "selections": [
    {
      "template_key": "模板key",
      "scene_detail": "具体场景描述，30-50字，全部中文，无英文无拼音",
      "final_prompt": "完整的最终提示词（模板填充后的结果）"
    }
  ]
}

规则：
- scene_detail 必须全部用中文，严禁出现任何英文单词、字母、拼音
- 每张图片选择不同的模板（避免重复）
- final_prompt 是将 scene_detail 填入模板后的完整提示词`

// RefAsset is one reference image whose annotation steers prompt planning.
type RefAsset struct {
	URL      string
	Name     string
	Note     string
	Category string
}

// BuildImagePrompts asks the model to pick templates from the preset library
// and fill in scene details, one prompt per image. Slots the model leaves
// unfilled fall back to the note's own image_prompts, then to a generic
// topic prompt, so the caller always gets exactly imageCount prompts.
// Reference assets, when present, are described to the model so their
// visual traits carry into the scene details.
func (c *LLMClient) BuildImagePrompts(ctx context.Context, topic, style string, content *Content, imageCount int, refs []RefAsset) (prompts, styles []string, err error) {
	unified := content.UnifiedStyle()

	filtered := make(map[string]promptTemplate)
	for key, t := range promptTemplates {
		if t.Style == unified {
			filtered[key] = t
		}
	}
	templatesJSON, err := json.MarshalIndent(filtered, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	system := strings.Replace(promptAgentSystem, "{templates_json}", string(templatesJSON), 1)

	body := content.Body
	if len([]rune(body)) > 100 {
		body = string([]rune(body)[:100])
	}
	var ub strings.Builder
	fmt.Fprintf(&ub,
		"笔记主题：%s\n内容风格：%s\n笔记标题：%s\n笔记正文摘要：%s...\n话题标签：%s\n需要生成图片数量：%d\n整篇笔记统一视觉风格：%s\n",
		topic, style, content.Title, body, strings.Join(head(content.Hashtags, 5), ", "), imageCount, unified)
	if len(refs) > 0 {
		ub.WriteString("\n参考图片素材（请将这些参考图的视觉特征融入生成的提示词中）：\n")
		for _, ref := range refs {
			cat := ref.Category
			if cat == "" {
				cat = "style"
			}
			fmt.Fprintf(&ub, "  - [%s] 《%s》: %s\n", cat, ref.Name, ref.Note)
		}
	}
	ub.WriteString("\n请为每张图片从上述同类模板中选择不同的子模板并填充场景细节，确保所有图片风格统一。")
	user := ub.String()

	raw, chatErr := c.chatJSON(ctx, system, user, 0.7)

	var selections []struct {
		TemplateKey string `json:"template_key"`
		SceneDetail string `json:"scene_detail"`
		FinalPrompt string `json:"final_prompt"`
	}
	if chatErr == nil {
		var parsed struct {
			Selections json.RawMessage `json:"selections"`
		}
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Selections != nil {
			_ = json.Unmarshal(parsed.Selections, &selections)
		}
	} else {
		c.log.Warn("prompt template selection failed, falling back",
			logx.String("topic", topic), logx.Err(chatErr))
	}

	for i, sel := range selections {
		if i >= imageCount {
			break
		}
		if sel.FinalPrompt == "" {
			continue
		}
		prompts = append(prompts, sel.FinalPrompt)
		styles = append(styles, unified)
	}

	for i := len(prompts); i < imageCount; i++ {
		fallback := fmt.Sprintf("%s相关场景，真实生活质感", topic)
		if i < len(content.ImagePrompts) {
			fallback = content.ImagePrompts[i]
		}
		c.log.Warn("image slot has no template result, using fallback prompt",
			logx.Int("slot", i+1), logx.String("topic", topic))
		prompts = append(prompts, fallback)
		styles = append(styles, unified)
	}

	c.log.Info("image prompts ready",
		logx.String("topic", topic),
		logx.Int("count", len(prompts)),
		logx.String("style", unified))
	return prompts, styles, nil
}

func head(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
