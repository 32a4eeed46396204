package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "xhsagent/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "agent.db"),
		Timezone: time.UTC,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestJob(at time.Time) *Job {
	return &Job{
		GoalID:      1,
		AccountID:   "acc-1",
		Topic:       "咖啡探店",
		Style:       "生活方式",
		AspectRatio: "3:4",
		ImageCount:  3,
		ScheduledAt: at,
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	in := newTestJob(at)
	in.RefGroupIDs = []int64{4, 7}
	id, err := st.CreateJob(ctx, in)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := st.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got == nil {
		t.Fatal("Job returned nil for existing id")
	}
	if got.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}
	if !got.ScheduledAt.Equal(at) {
		t.Fatalf("ScheduledAt = %v, want %v", got.ScheduledAt, at)
	}
	if len(got.RefGroupIDs) != 2 || got.RefGroupIDs[1] != 7 {
		t.Fatalf("RefGroupIDs = %v", got.RefGroupIDs)
	}

	missing, err := st.Job(ctx, id+100)
	if err != nil {
		t.Fatalf("Job(missing): %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing job")
	}
}

func TestTransitionCompareAndSet(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateJob(ctx, newTestJob(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ok, err := st.Transition(ctx, id, StatusPending, StatusRunning, JobUpdate{})
	if err != nil || !ok {
		t.Fatalf("pending->running = (%v, %v), want (true, nil)", ok, err)
	}

	// Second caller with the stale from-status loses without error.
	ok, err = st.Transition(ctx, id, StatusPending, StatusRunning, JobUpdate{})
	if err != nil {
		t.Fatalf("stale transition error: %v", err)
	}
	if ok {
		t.Fatal("stale transition should lose the race")
	}

	res := &JobResult{Title: "标题", Body: "正文", NoteID: "n123",
		Images: []ImageAsset{{URL: "https://img/1.jpg"}}}
	ok, err = st.Transition(ctx, id, StatusRunning, StatusDone, JobUpdate{Result: res})
	if err != nil || !ok {
		t.Fatalf("running->done = (%v, %v)", ok, err)
	}

	got, err := st.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("Status = %s, want done", got.Status)
	}
	if got.Result == nil || got.Result.NoteID != "n123" {
		t.Fatalf("Result = %+v", got.Result)
	}
}

func TestTransitionConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateJob(ctx, newTestJob(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.Transition(ctx, id, StatusPending, StatusRunning, JobUpdate{})
			if err != nil {
				t.Errorf("Transition: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestRequeueClearsError(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateJob(ctx, newTestJob(time.Now()))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := st.Transition(ctx, id, StatusPending, StatusRunning, JobUpdate{}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := st.Transition(ctx, id, StatusRunning, StatusFailed, JobUpdate{Error: "image-generation: boom"}); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	ok, err := st.Transition(ctx, id, StatusFailed, StatusPending, JobUpdate{ClearError: true})
	if err != nil || !ok {
		t.Fatalf("failed->pending = (%v, %v)", ok, err)
	}
	got, err := st.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Error != "" {
		t.Fatalf("Error = %q, want cleared", got.Error)
	}
}

func TestJobsFilterAndPendingDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mk := func(goal int64, status Status) {
		j := newTestJob(time.Now().Add(time.Hour))
		j.GoalID = goal
		id, err := st.CreateJob(ctx, j)
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if status != StatusPending {
			if _, err := st.Transition(ctx, id, StatusPending, StatusRunning, JobUpdate{}); err != nil {
				t.Fatalf("Transition: %v", err)
			}
		}
	}
	mk(1, StatusPending)
	mk(1, StatusPending)
	mk(1, StatusRunning)
	mk(2, StatusPending)

	pending, err := st.Jobs(ctx, JobFilter{GoalID: 1, Status: StatusPending})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending for goal 1 = %d, want 2", len(pending))
	}

	n, err := st.DeletePendingJobs(ctx, 1)
	if err != nil {
		t.Fatalf("DeletePendingJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	left, err := st.Jobs(ctx, JobFilter{GoalID: 1})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(left) != 1 || left[0].Status != StatusRunning {
		t.Fatalf("left = %d jobs, want the running one", len(left))
	}
}

func TestDeleteGoalRemovesItsJobs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	gid, err := st.CreateGoal(ctx, &Goal{AccountID: "acc-1", Title: "涨粉", Style: "生活方式", PostFreq: 1, Active: true})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	j := newTestJob(time.Now().Add(time.Hour))
	j.GoalID = gid
	jobID, err := st.CreateJob(ctx, j)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	other := newTestJob(time.Now().Add(time.Hour))
	other.GoalID = gid + 1
	otherID, err := st.CreateJob(ctx, other)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ok, err := st.DeleteGoal(ctx, gid)
	if err != nil || !ok {
		t.Fatalf("DeleteGoal = (%v, %v)", ok, err)
	}
	if got, _ := st.Job(ctx, jobID); got != nil {
		t.Fatal("job of the deleted goal should be gone")
	}
	if got, _ := st.Job(ctx, otherID); got == nil {
		t.Fatal("job of another goal must survive")
	}
	if ok, err := st.DeleteGoal(ctx, gid); err != nil || ok {
		t.Fatalf("second DeleteGoal = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestGoalAndAccountRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	gid, err := st.CreateGoal(ctx, &Goal{AccountID: "acc-1", Title: "涨粉", Description: "本地咖啡号", Style: "生活方式", PostFreq: 2, Active: true})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	if ok, err := st.SetGoalActive(ctx, gid, false); err != nil || !ok {
		t.Fatalf("SetGoalActive = (%v, %v)", ok, err)
	}
	g, err := st.Goal(ctx, gid)
	if err != nil {
		t.Fatalf("Goal: %v", err)
	}
	if g.Active {
		t.Fatal("goal should be inactive")
	}

	acc := &Account{ID: "acc-1", Name: "主号", Cookie: "a1=x; web_session=y"}
	if err := st.PutAccount(ctx, acc); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	acc.Nickname = "咖啡日记"
	if err := st.PutAccount(ctx, acc); err != nil {
		t.Fatalf("PutAccount upsert: %v", err)
	}
	got, err := st.Account(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if got.Nickname != "咖啡日记" {
		t.Fatalf("Nickname = %q", got.Nickname)
	}

	if err := st.SetSetting(ctx, "image_model", "doubao-seedream-4-5"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := st.Setting(ctx, "image_model")
	if err != nil || v != "doubao-seedream-4-5" {
		t.Fatalf("Setting = (%q, %v)", v, err)
	}
}

func TestImageGroupRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateImageGroup(ctx, &ImageGroup{
		AccountID:  "acc-1",
		Category:   "product",
		Annotation: "主打产品系列",
		Assets: []GroupAsset{
			{URL: "https://cos/p1.jpg", Name: "正面图", Note: "白底特写"},
			{URL: "https://cos/p2.jpg"},
		},
	})
	if err != nil {
		t.Fatalf("CreateImageGroup: %v", err)
	}

	g, err := st.ImageGroup(ctx, id)
	if err != nil {
		t.Fatalf("ImageGroup: %v", err)
	}
	if g == nil || g.Category != "product" || g.Annotation != "主打产品系列" {
		t.Fatalf("group = %+v", g)
	}
	if len(g.Assets) != 2 || g.Assets[0].Note != "白底特写" || g.Assets[1].URL != "https://cos/p2.jpg" {
		t.Fatalf("assets = %+v", g.Assets)
	}

	groups, err := st.ImageGroups(ctx, "acc-1")
	if err != nil || len(groups) != 1 {
		t.Fatalf("ImageGroups = (%d, %v)", len(groups), err)
	}
	if groups, _ := st.ImageGroups(ctx, "acc-2"); len(groups) != 0 {
		t.Fatalf("other account sees %d groups", len(groups))
	}

	if ok, err := st.DeleteImageGroup(ctx, id); err != nil || !ok {
		t.Fatalf("DeleteImageGroup = (%v, %v)", ok, err)
	}
	if g, _ := st.ImageGroup(ctx, id); g != nil {
		t.Fatal("deleted group still readable")
	}
	if ok, _ := st.DeleteImageGroup(ctx, id); ok {
		t.Fatal("second delete reported a row")
	}
}

func TestImageGroupValidation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	asset := []GroupAsset{{URL: "https://cos/a.jpg"}}
	if _, err := st.CreateImageGroup(ctx, &ImageGroup{Assets: asset}); err == nil {
		t.Fatal("want error for missing account id")
	}
	if _, err := st.CreateImageGroup(ctx, &ImageGroup{AccountID: "acc-1"}); err == nil {
		t.Fatal("want error for empty asset list")
	}
	if _, err := st.CreateImageGroup(ctx, &ImageGroup{
		AccountID: "acc-1", Category: "vibes", Assets: asset,
	}); err == nil {
		t.Fatal("want error for unknown category")
	}
	if _, err := st.CreateImageGroup(ctx, &ImageGroup{
		AccountID: "acc-1",
		Assets:    make([]GroupAsset, MaxGroupAssets+1),
	}); err == nil {
		t.Fatal("want error for oversized group")
	}

	// empty category defaults to style
	g := &ImageGroup{AccountID: "acc-1", Assets: asset}
	if _, err := st.CreateImageGroup(ctx, g); err != nil {
		t.Fatalf("CreateImageGroup: %v", err)
	}
	if g.Category != "style" {
		t.Fatalf("category = %q, want style default", g.Category)
	}
}

func TestImageGroupsByIDs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mk := func(account, note string) int64 {
		t.Helper()
		id, err := st.CreateImageGroup(ctx, &ImageGroup{
			AccountID:  account,
			Annotation: note,
			Assets:     []GroupAsset{{URL: "https://cos/" + note + ".jpg"}},
		})
		if err != nil {
			t.Fatalf("CreateImageGroup: %v", err)
		}
		return id
	}
	a := mk("acc-1", "一")
	b := mk("acc-1", "二")
	other := mk("acc-2", "三")

	got, err := st.ImageGroupsByIDs(ctx, []int64{b, other, 9999, a}, "acc-1")
	if err != nil {
		t.Fatalf("ImageGroupsByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d groups, want the 2 owned ones", len(got))
	}
	// input order is preserved
	if got[0].ID != b || got[1].ID != a {
		t.Fatalf("order = [%d %d], want [%d %d]", got[0].ID, got[1].ID, b, a)
	}

	if got, _ := st.ImageGroupsByIDs(ctx, nil, "acc-1"); got != nil {
		t.Fatalf("empty id list should resolve to nothing, got %+v", got)
	}

	// without an account scope every existing id resolves
	got, err = st.ImageGroupsByIDs(ctx, []int64{a, other}, "")
	if err != nil || len(got) != 2 {
		t.Fatalf("unscoped lookup = (%d, %v)", len(got), err)
	}
}
