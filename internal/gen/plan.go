package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	logx "xhsagent/pkg/logx"
)

const planSystemPrompt = `你是一位专业的小红书运营总监，精通小红书平台算法和内容运营规律。

你的任务是根据用户给出的运营目标和账号近期数据，制定一套科学的内容发布计划。

小红书运营核心规律：
1. 发布频率：新账号每天1-2篇，成熟账号每天1-3篇，避免连续发布间隔小于4小时
2. 最佳发布时间：
   - 早高峰：7:00-9:00（通勤时间）
   - 午休：12:00-13:30
   - 晚高峰：18:00-22:00（黄金时段，尤其20:00-21:00）
3. 内容节奏：干货/教程类 + 生活记录类 + 种草类 交替发布
4. 话题热度：结合当前热点，但核心内容要垂直
5. 图片数量：3-6张最佳，封面图最重要
6. 数据分析：根据历史笔记的点赞/收藏/评论数据，判断哪类内容更受欢迎，优先复制爆款方向

输出必须是严格的 JSON 格式：
{
  "analysis": "运营策略分析（300字以内，结合账号历史数据给出具体建议）",
  "weekly_plan": [
    {
      "day_offset": 0,
      "hour": 20,
      "minute": 0,
      "topic": "具体内容主题",
      "style": "内容风格",
      "aspect_ratio": "3:4",
      "image_count": 3,
      "ref_images": [
        {"group_id": 1, "usage": "用途说明"}
      ],
      "reason": "选择该主题和时间的原因"
    }
  ]
}

weekly_plan 包含未来7天的发布计划，每天1-2条，时间要符合最佳发布规律。
ref_images 为可选字段，只能使用用户列出的参考图素材组 ID，一组图片会整体用于该条内容的生图参考；如果没有合适的参考图可以留空数组 []。`

// PlanItem is one post the operations model scheduled, relative to now.
type PlanItem struct {
	DayOffset   int       `json:"day_offset"`
	Hour        int       `json:"hour"`
	Minute      int       `json:"minute"`
	Topic       string    `json:"topic"`
	Style       string    `json:"style"`
	AspectRatio string    `json:"aspect_ratio"`
	ImageCount  int       `json:"image_count"`
	RefImages   []PlanRef `json:"ref_images"`
	Reason      string    `json:"reason"`
}

// PlanRef points a plan item at one reference image group.
type PlanRef struct {
	GroupID int64  `json:"group_id"`
	Usage   string `json:"usage"`
}

// OperationPlan is the model's weekly publishing plan for one goal.
type OperationPlan struct {
	Analysis   string     `json:"analysis"`
	WeeklyPlan []PlanItem `json:"weekly_plan"`
}

// PlanRequest carries the goal and account context the plan is built from.
type PlanRequest struct {
	GoalTitle    string
	GoalDesc     string
	Style        string
	PostFreq     int
	StatsSummary string
	// RefGroups describes the account's reference image groups, one line
	// per group. Empty means the plan gets no ref_images section.
	RefGroups string
	Now       time.Time
}

var weekdayNames = []string{"日", "一", "二", "三", "四", "五", "六"}

// fencedJSON strips an optional markdown code fence around the model output.
var fencedJSON = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]+?)\\s*```")

// PlanOperation asks the operations model for a weekly publish plan.
// The model runs without JSON mode here, so the output may arrive fenced.
func (c *LLMClient) PlanOperation(ctx context.Context, req PlanRequest) (*OperationPlan, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	user := fmt.Sprintf(
		"运营目标：%s\n详细描述：%s\n主要风格：%s\n每日发布频率：%d 篇\n当前时间：%s（星期%s）\n\n账号近期数据：\n%s\n",
		req.GoalTitle, req.GoalDesc, req.Style, req.PostFreq,
		now.Format("2006-01-02 15:04"), weekdayNames[int(now.Weekday())],
		req.StatsSummary)
	if req.RefGroups != "" {
		user += "\n可用参考图素材组：\n" + req.RefGroups +
			"\n如某条内容适合使用参考图，在 ref_images 字段中填写组 ID 和用途说明。\n"
	}
	user += "\n请结合以上数据，制定未来7天的内容发布计划。"

	raw, err := c.chat(ctx, planSystemPrompt, user, 0.7, 3000, false)
	if err != nil {
		return nil, fmt.Errorf("plan operation: %w", err)
	}

	text := strings.TrimSpace(string(raw))
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var plan OperationPlan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil, fmt.Errorf("plan operation: decode model output: %w", err)
	}
	if len(plan.WeeklyPlan) == 0 {
		return nil, fmt.Errorf("plan operation: model returned an empty plan")
	}
	c.log.Info("operation plan generated",
		logx.String("goal", req.GoalTitle),
		logx.Int("posts", len(plan.WeeklyPlan)))
	return &plan, nil
}
