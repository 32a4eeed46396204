// Package planner turns an operation goal into a batch of scheduled jobs.
// It feeds the account's recent publishing data to the operations model,
// replaces the goal's pending queue with the returned weekly plan, and arms
// a timer for every new job.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"xhsagent/internal/gen"
	"xhsagent/internal/store"
	"xhsagent/internal/xhs"
	logx "xhsagent/pkg/logx"
)

// ContentPlanner is the model surface the planner needs.
type ContentPlanner interface {
	PlanOperation(ctx context.Context, req gen.PlanRequest) (*gen.OperationPlan, error)
}

// NotesFetcher reads an account's published notes for the stats summary.
type NotesFetcher interface {
	UserAllNotes(ctx context.Context, userID string) ([]xhs.Note, error)
}

// NotesFetcherFactory builds a fetcher bound to one account cookie.
type NotesFetcherFactory func(cookie string) NotesFetcher

// Scheduler is the timer surface the planner needs.
type Scheduler interface {
	Schedule(jobID int64, runAt time.Time)
	Cancel(jobID int64)
}

type Planner struct {
	st      store.Store
	llm     ContentPlanner
	notes   NotesFetcherFactory
	sched   Scheduler
	loc     *time.Location
	nowFunc func() time.Time
	log     logx.Logger
}

func New(st store.Store, llm ContentPlanner, notes NotesFetcherFactory, sched Scheduler, loc *time.Location, log logx.Logger) *Planner {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{
		st:      st,
		llm:     llm,
		notes:   notes,
		sched:   sched,
		loc:     loc,
		nowFunc: time.Now,
		log:     log,
	}
}

// PlanGoal replaces the goal's pending jobs with a fresh weekly plan.
// Jobs already running, done, or failed are left untouched.
func (p *Planner) PlanGoal(ctx context.Context, goalID int64) error {
	goal, err := p.st.Goal(ctx, goalID)
	if err != nil {
		return err
	}
	if goal == nil {
		return fmt.Errorf("goal %d not found", goalID)
	}
	if !goal.Active {
		return fmt.Errorf("goal %d is inactive", goalID)
	}

	account, err := p.st.Account(ctx, goal.AccountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("goal %d: account %q not found", goalID, goal.AccountID)
	}

	groups, err := p.st.ImageGroups(ctx, goal.AccountID)
	if err != nil {
		return err
	}

	plan, err := p.llm.PlanOperation(ctx, gen.PlanRequest{
		GoalTitle:    goal.Title,
		GoalDesc:     goal.Description,
		Style:        goal.Style,
		PostFreq:     goal.PostFreq,
		StatsSummary: p.statsSummary(ctx, account),
		RefGroups:    refGroupsSummary(groups),
		Now:          p.nowFunc().In(p.loc),
	})
	if err != nil {
		return err
	}

	// disarm the timers of the jobs about to be replaced, then drop them
	pending, err := p.st.Jobs(ctx, store.JobFilter{GoalID: goalID, Status: store.StatusPending})
	if err != nil {
		return err
	}
	for _, job := range pending {
		p.sched.Cancel(job.ID)
	}
	cleared, err := p.st.DeletePendingJobs(ctx, goalID)
	if err != nil {
		return err
	}

	created := 0
	for _, item := range plan.WeeklyPlan {
		if item.Topic == "" {
			continue
		}
		runAt := p.scheduledTime(item)
		id, err := p.st.CreateJob(ctx, &store.Job{
			GoalID:      goalID,
			AccountID:   goal.AccountID,
			Topic:       item.Topic,
			Style:       orDefault(item.Style, goal.Style),
			AspectRatio: orDefault(item.AspectRatio, "3:4"),
			ImageCount:  clampImageCount(item.ImageCount),
			RefGroupIDs: refGroupIDs(item.RefImages, groups),
			ScheduledAt: runAt,
			Status:      store.StatusPending,
		})
		if err != nil {
			return fmt.Errorf("create planned job: %w", err)
		}
		p.sched.Schedule(id, runAt)
		created++
	}
	if created == 0 {
		return fmt.Errorf("goal %d: plan produced no usable posts", goalID)
	}

	p.log.Info("goal planned",
		logx.Int64("goal", goalID),
		logx.Int("cleared", int(cleared)),
		logx.Int("created", created))
	return nil
}

// ReplanIdleGoals plans every active goal whose pending queue ran dry.
// Used by the periodic scheduler tick.
func (p *Planner) ReplanIdleGoals(ctx context.Context) error {
	goals, err := p.st.Goals(ctx)
	if err != nil {
		return err
	}
	for _, goal := range goals {
		if !goal.Active {
			continue
		}
		pending, err := p.st.Jobs(ctx, store.JobFilter{GoalID: goal.ID, Status: store.StatusPending})
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			continue
		}
		if err := p.PlanGoal(ctx, goal.ID); err != nil {
			p.log.Error("periodic replan failed", logx.Int64("goal", goal.ID), logx.Err(err))
		}
	}
	return nil
}

// scheduledTime resolves a plan item's relative slot to a wall-clock time,
// minute precision, never in the past.
func (p *Planner) scheduledTime(item gen.PlanItem) time.Time {
	now := p.nowFunc().In(p.loc)
	base := now.AddDate(0, 0, item.DayOffset)
	target := time.Date(base.Year(), base.Month(), base.Day(), item.Hour, item.Minute, 0, 0, p.loc)
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

// statsSummary condenses the account's recent notes into model-readable
// lines. Platform failures (often a verification challenge) degrade to a
// notice so planning still proceeds.
func (p *Planner) statsSummary(ctx context.Context, account *store.Account) string {
	const blocked = "注意：本次无法获取历史笔记数据，请根据运营目标和平台规律制定计划。"
	if account.Cookie == "" || account.XhsUserID == "" {
		return blocked
	}

	notes, err := p.notes(account.Cookie).UserAllNotes(ctx, account.XhsUserID)
	if err != nil {
		p.log.Warn("account stats unavailable",
			logx.String("account", account.ID), logx.Err(err))
		return blocked
	}
	if len(notes) == 0 {
		return "近期发布笔记数：0"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "近期发布笔记数：%d\n", len(notes))
	sb.WriteString("笔记列表：\n")
	for _, n := range notes {
		title := n.Title
		if title == "" {
			title = "无标题"
		}
		fmt.Fprintf(&sb, "  - 《%s》[%s] 点赞:%s\n", title, n.Type, n.LikedCnt)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// refGroupsSummary renders the account's reference groups for the plan
// prompt, one line per group.
func refGroupsSummary(groups []*store.ImageGroup) string {
	if len(groups) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, g := range groups {
		note := g.Annotation
		if note == "" {
			note = "无说明"
		}
		fmt.Fprintf(&sb, "  - 组 %d [%s] %s（%d 张）\n", g.ID, g.Category, note, len(g.Assets))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// refGroupIDs keeps the plan item's references that name a real group of
// this account; anything the model invented is dropped.
func refGroupIDs(refs []gen.PlanRef, groups []*store.ImageGroup) []int64 {
	if len(refs) == 0 || len(groups) == 0 {
		return nil
	}
	known := make(map[int64]bool, len(groups))
	for _, g := range groups {
		known[g.ID] = true
	}
	var ids []int64
	seen := make(map[int64]bool, len(refs))
	for _, r := range refs {
		if known[r.GroupID] && !seen[r.GroupID] {
			ids = append(ids, r.GroupID)
			seen[r.GroupID] = true
		}
	}
	return ids
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func clampImageCount(n int) int {
	if n < 1 {
		return 3
	}
	if n > 9 {
		return 9
	}
	return n
}
