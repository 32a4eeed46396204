package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"xhsagent/internal/gen"
	"xhsagent/internal/store"
	"xhsagent/internal/xhs"
	logx "xhsagent/pkg/logx"
)

type fakeText struct {
	content    *gen.Content
	contentErr error
	promptErr  error
	gotRefs    []gen.RefAsset
}

func (f *fakeText) GenerateContent(ctx context.Context, topic, style string, imageCount int) (*gen.Content, error) {
	if f.contentErr != nil {
		return nil, f.contentErr
	}
	return f.content, nil
}

func (f *fakeText) BuildImagePrompts(ctx context.Context, topic, style string, content *gen.Content, imageCount int, refs []gen.RefAsset) ([]string, []string, error) {
	if f.promptErr != nil {
		return nil, nil, f.promptErr
	}
	f.gotRefs = append([]gen.RefAsset(nil), refs...)
	prompts := make([]string, imageCount)
	styles := make([]string, imageCount)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("提示词%d", i+1)
		styles[i] = gen.StylePhoto
	}
	return prompts, styles, nil
}

type fakeImage struct {
	images     []gen.GeneratedImage
	err        error
	gotRefURLs []string
}

func (f *fakeImage) Generate(ctx context.Context, prompts []string, ratio string, styles []string, refURLs []string) ([]gen.GeneratedImage, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.gotRefURLs = append([]string(nil), refURLs...)
	return f.images, nil
}

type fakePublisher struct {
	mu         sync.Mutex
	topicErr   error
	publishErr error
	published  bool
	gotPaths   []string
	gotTopics  []xhs.Topic
	gotDesc    string
}

func (f *fakePublisher) SuggestTopics(ctx context.Context, keyword string) ([]xhs.Topic, error) {
	if f.topicErr != nil {
		return nil, f.topicErr
	}
	return []xhs.Topic{{ID: "t-" + keyword, Name: keyword}}, nil
}

func (f *fakePublisher) CreateImageNote(ctx context.Context, title, desc string, imagePaths []string, topics []xhs.Topic) (*xhs.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = true
	f.gotPaths = append([]string(nil), imagePaths...)
	f.gotTopics = append([]xhs.Topic(nil), topics...)
	f.gotDesc = desc
	for _, p := range imagePaths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("image file missing at publish time: %s", p)
		}
	}
	return &xhs.PublishResult{NoteID: "note-1"}, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	succeeded []int64
	failed    []string // stage names
}

func (n *recordingNotifier) JobSucceeded(job *store.Job, result *store.JobResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.succeeded = append(n.succeeded, job.ID)
}

func (n *recordingNotifier) JobFailed(job *store.Job, stage string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, stage)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "agent.db"),
		Timezone: time.UTC,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedJob(t *testing.T, st store.Store, status store.Status) int64 {
	t.Helper()
	ctx := context.Background()
	if err := st.PutAccount(ctx, &store.Account{ID: "acc-1", Name: "主号", Cookie: "web_session=s1"}); err != nil {
		t.Fatalf("put account: %v", err)
	}
	id, err := st.CreateJob(ctx, &store.Job{
		AccountID:   "acc-1",
		Topic:       "咖啡探店",
		Style:       "治愈",
		AspectRatio: "3:4",
		ImageCount:  2,
		ScheduledAt: time.Now().Add(time.Hour),
		Status:      status,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return id
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpegbytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestExecutor(st store.Store, text *fakeText, image *fakeImage, pub *fakePublisher, n Notifier) *Executor {
	return NewExecutor(st, text, image,
		func(cookie string) Publisher { return pub },
		Options{Notifier: n},
		logx.Nop())
}

func TestExecuteSuccess(t *testing.T) {
	st := newTestStore(t)
	id := seedJob(t, st, store.StatusPending)
	srv := imageServer(t)

	text := &fakeText{content: &gen.Content{
		Title:    "秋日咖啡清单",
		Body:     "今天的咖啡太好喝了",
		Hashtags: []string{"咖啡", "探店"},
	}}
	image := &fakeImage{images: []gen.GeneratedImage{
		{URL: srv.URL + "/1.jpg"},
		{URL: srv.URL + "/2.jpg"},
	}}
	pub := &fakePublisher{}
	notifier := &recordingNotifier{}

	if err := newTestExecutor(st, text, image, pub, notifier).Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	job, err := st.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != store.StatusDone {
		t.Fatalf("status = %q, want done", job.Status)
	}
	if job.Result == nil || job.Result.NoteID != "note-1" {
		t.Fatalf("result = %+v", job.Result)
	}
	if len(job.Result.Images) != 2 {
		t.Fatalf("result images = %d", len(job.Result.Images))
	}
	if len(pub.gotPaths) != 2 {
		t.Fatalf("published %d paths, want 2", len(pub.gotPaths))
	}
	if len(pub.gotTopics) != 2 {
		t.Fatalf("published topics = %+v", pub.gotTopics)
	}
	if !strings.Contains(pub.gotDesc, "#咖啡 #探店") {
		t.Fatalf("desc = %q, want appended hashtags", pub.gotDesc)
	}
	if len(notifier.succeeded) != 1 || notifier.succeeded[0] != id {
		t.Fatalf("success notifications = %v", notifier.succeeded)
	}
	// the per-job temp dir must be gone
	for _, p := range pub.gotPaths {
		if _, err := os.Stat(filepath.Dir(p)); !os.IsNotExist(err) {
			t.Fatalf("temp dir %s still exists", filepath.Dir(p))
		}
	}
}

func TestExecuteResolvesReferenceGroups(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.PutAccount(ctx, &store.Account{ID: "acc-1", Name: "主号", Cookie: "web_session=s1"}); err != nil {
		t.Fatalf("put account: %v", err)
	}
	groupID, err := st.CreateImageGroup(ctx, &store.ImageGroup{
		AccountID:  "acc-1",
		Category:   "product",
		Annotation: "主打产品系列",
		Assets: []store.GroupAsset{
			{URL: "https://cos/ref-1.jpg", Name: "正面图", Note: "白底正面特写"},
			{URL: "https://cos/ref-2.jpg", Name: "场景图"},
		},
	})
	if err != nil {
		t.Fatalf("create image group: %v", err)
	}
	otherID, err := st.CreateImageGroup(ctx, &store.ImageGroup{
		AccountID: "acc-2",
		Assets:    []store.GroupAsset{{URL: "https://cos/other.jpg"}},
	})
	if err != nil {
		t.Fatalf("create other group: %v", err)
	}
	id, err := st.CreateJob(ctx, &store.Job{
		AccountID:   "acc-1",
		Topic:       "新品上架",
		Style:       "种草",
		AspectRatio: "3:4",
		ImageCount:  2,
		RefGroupIDs: []int64{groupID, otherID, 9999},
		ScheduledAt: time.Now().Add(time.Hour),
		Status:      store.StatusPending,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	srv := imageServer(t)

	text := &fakeText{content: &gen.Content{Title: "t", Body: "b"}}
	image := &fakeImage{images: []gen.GeneratedImage{
		{URL: srv.URL + "/1.jpg"},
		{URL: srv.URL + "/2.jpg"},
	}}
	pub := &fakePublisher{}

	if err := newTestExecutor(st, text, image, pub, nil).Execute(ctx, id); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(text.gotRefs) != 2 {
		t.Fatalf("prompt refs = %+v, want the owned group's 2 assets", text.gotRefs)
	}
	if text.gotRefs[0].Note != "白底正面特写" {
		t.Fatalf("refs[0].Note = %q, want the asset's own note", text.gotRefs[0].Note)
	}
	if text.gotRefs[1].Note != "主打产品系列" {
		t.Fatalf("refs[1].Note = %q, want the group annotation fallback", text.gotRefs[1].Note)
	}
	if text.gotRefs[0].Category != "product" {
		t.Fatalf("refs[0].Category = %q", text.gotRefs[0].Category)
	}
	want := []string{"https://cos/ref-1.jpg", "https://cos/ref-2.jpg"}
	if len(image.gotRefURLs) != 2 || image.gotRefURLs[0] != want[0] || image.gotRefURLs[1] != want[1] {
		t.Fatalf("image ref urls = %v, want %v", image.gotRefURLs, want)
	}
}

func TestExecuteWithoutReferenceGroups(t *testing.T) {
	st := newTestStore(t)
	id := seedJob(t, st, store.StatusPending)
	srv := imageServer(t)

	text := &fakeText{content: &gen.Content{Title: "t", Body: "b"}}
	image := &fakeImage{images: []gen.GeneratedImage{
		{URL: srv.URL + "/1.jpg"},
		{URL: srv.URL + "/2.jpg"},
	}}

	if err := newTestExecutor(st, text, image, &fakePublisher{}, nil).Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(text.gotRefs) != 0 || len(image.gotRefURLs) != 0 {
		t.Fatalf("refs = %+v, urls = %v, want none", text.gotRefs, image.gotRefURLs)
	}
}

func TestExecuteSkipsNonPending(t *testing.T) {
	st := newTestStore(t)
	id := seedJob(t, st, store.StatusDone)
	pub := &fakePublisher{}

	text := &fakeText{content: &gen.Content{Title: "t", Body: "b"}}
	if err := newTestExecutor(st, text, &fakeImage{}, pub, nil).Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if pub.published {
		t.Fatal("done job must not be re-published")
	}
	job, _ := st.Job(context.Background(), id)
	if job.Status != store.StatusDone {
		t.Fatalf("status = %q, want untouched done", job.Status)
	}
}

func TestExecuteEmptyImageSlotFailsBeforeDownload(t *testing.T) {
	st := newTestStore(t)
	id := seedJob(t, st, store.StatusPending)

	text := &fakeText{content: &gen.Content{Title: "t", Body: "b"}}
	image := &fakeImage{images: []gen.GeneratedImage{
		{URL: "https://img/1"},
		{}, // degraded slot
	}}
	pub := &fakePublisher{}
	notifier := &recordingNotifier{}

	err := newTestExecutor(st, text, image, pub, notifier).Execute(context.Background(), id)
	if err == nil {
		t.Fatal("want error for empty image slot")
	}
	if got := FailedStage(err); got != StageImage {
		t.Fatalf("failed stage = %q, want image", got)
	}
	if pub.published {
		t.Fatal("publish must not run after an image failure")
	}

	job, _ := st.Job(context.Background(), id)
	if job.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if !strings.HasPrefix(job.Error, "image:") {
		t.Fatalf("error = %q, want image stage prefix", job.Error)
	}
	if len(notifier.failed) != 1 || notifier.failed[0] != StageImage {
		t.Fatalf("failure notifications = %v", notifier.failed)
	}
}

func TestExecuteContentStageFailure(t *testing.T) {
	st := newTestStore(t)
	id := seedJob(t, st, store.StatusPending)

	text := &fakeText{contentErr: errors.New("model overloaded")}
	err := newTestExecutor(st, text, &fakeImage{}, &fakePublisher{}, nil).Execute(context.Background(), id)
	if got := FailedStage(err); got != StageContent {
		t.Fatalf("failed stage = %q, want content", got)
	}
	job, _ := st.Job(context.Background(), id)
	if job.Status != store.StatusFailed || !strings.HasPrefix(job.Error, "content:") {
		t.Fatalf("job = status %q error %q", job.Status, job.Error)
	}
}

func TestExecuteChallengeDuringPublish(t *testing.T) {
	st := newTestStore(t)
	id := seedJob(t, st, store.StatusPending)
	srv := imageServer(t)

	text := &fakeText{content: &gen.Content{Title: "t", Body: "b", Hashtags: []string{"咖啡"}}}
	image := &fakeImage{images: []gen.GeneratedImage{{URL: srv.URL + "/1"}, {URL: srv.URL + "/2"}}}
	pub := &fakePublisher{publishErr: &xhs.ChallengeError{StatusCode: 471, Type: "sms", UUID: "u1"}}

	err := newTestExecutor(st, text, image, pub, nil).Execute(context.Background(), id)
	if got := FailedStage(err); got != StagePublish {
		t.Fatalf("failed stage = %q, want publish", got)
	}
	if !xhs.IsChallenge(err) {
		t.Fatalf("err = %v, want wrapped challenge", err)
	}

	job, _ := st.Job(context.Background(), id)
	if job.Status != store.StatusFailed {
		t.Fatalf("status = %q", job.Status)
	}
	if !strings.HasPrefix(job.Error, "verification-challenge:") {
		t.Fatalf("error = %q, want verification-challenge kind", job.Error)
	}
	if !strings.Contains(job.Error, "sms") {
		t.Fatalf("error = %q, want verify type in message", job.Error)
	}
}

func TestExecuteTopicLookupFailureIsNonFatal(t *testing.T) {
	st := newTestStore(t)
	id := seedJob(t, st, store.StatusPending)
	srv := imageServer(t)

	text := &fakeText{content: &gen.Content{Title: "t", Body: "b", Hashtags: []string{"咖啡"}}}
	image := &fakeImage{images: []gen.GeneratedImage{{URL: srv.URL + "/1"}, {URL: srv.URL + "/2"}}}
	pub := &fakePublisher{topicErr: errors.New("topic service down")}

	if err := newTestExecutor(st, text, image, pub, nil).Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !pub.published {
		t.Fatal("publish should proceed without topics")
	}
	if len(pub.gotTopics) != 0 {
		t.Fatalf("topics = %+v, want none", pub.gotTopics)
	}
}

func TestExecuteInlineImagePayload(t *testing.T) {
	st := newTestStore(t)
	id := seedJob(t, st, store.StatusPending)

	// base64 of "img"
	text := &fakeText{content: &gen.Content{Title: "t", Body: "b"}}
	image := &fakeImage{images: []gen.GeneratedImage{
		{B64JSON: "aW1n"},
		{B64JSON: "aW1n"},
	}}
	pub := &fakePublisher{}

	if err := newTestExecutor(st, text, image, pub, nil).Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(pub.gotPaths) != 2 {
		t.Fatalf("paths = %v", pub.gotPaths)
	}
}

func TestExecuteMissingAccountCookie(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.CreateJob(ctx, &store.Job{
		AccountID:   "ghost",
		Topic:       "主题",
		AspectRatio: "3:4",
		ImageCount:  1,
		ScheduledAt: time.Now().Add(time.Hour),
		Status:      store.StatusPending,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	srv := imageServer(t)

	text := &fakeText{content: &gen.Content{Title: "t", Body: "b"}}
	image := &fakeImage{images: []gen.GeneratedImage{{URL: srv.URL + "/1"}}}

	execErr := newTestExecutor(st, text, image, &fakePublisher{}, nil).Execute(ctx, id)
	if got := FailedStage(execErr); got != StagePublish {
		t.Fatalf("failed stage = %q, want publish", got)
	}
	job, _ := st.Job(ctx, id)
	if !strings.Contains(job.Error, "cookie") {
		t.Fatalf("error = %q", job.Error)
	}
}
