// Package pipeline runs one scheduled job end to end: generate the note
// text, plan and synthesize its images, pull the assets to disk, and
// publish them to the platform. Each stage failure is recorded against the
// job with the stage name so the operator can see where a run died.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"xhsagent/internal/gen"
	"xhsagent/internal/store"
	"xhsagent/internal/xhs"
	logx "xhsagent/pkg/logx"
)

// TextGenerator produces the note text and the per-image prompt plan.
type TextGenerator interface {
	GenerateContent(ctx context.Context, topic, style string, imageCount int) (*gen.Content, error)
	BuildImagePrompts(ctx context.Context, topic, style string, content *gen.Content, imageCount int, refs []gen.RefAsset) ([]string, []string, error)
}

// ImageGenerator synthesizes one image per prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompts []string, aspectRatio string, styles []string, refURLs []string) ([]gen.GeneratedImage, error)
}

// Publisher is the platform surface the publish stage needs.
type Publisher interface {
	SuggestTopics(ctx context.Context, keyword string) ([]xhs.Topic, error)
	CreateImageNote(ctx context.Context, title, desc string, imagePaths []string, topics []xhs.Topic) (*xhs.PublishResult, error)
}

// PublisherFactory builds a Publisher bound to one account cookie.
type PublisherFactory func(cookie string) Publisher

// Notifier receives terminal job events. Implementations must not block.
type Notifier interface {
	JobSucceeded(job *store.Job, result *store.JobResult)
	JobFailed(job *store.Job, stage string, err error)
}

type nopNotifier struct{}

func (nopNotifier) JobSucceeded(*store.Job, *store.JobResult) {}
func (nopNotifier) JobFailed(*store.Job, string, error)       {}

// Executor drives the publish saga for one job at a time per call.
// It is safe for concurrent use; per-job state lives on the stack.
type Executor struct {
	store     store.Store
	text      TextGenerator
	image     ImageGenerator
	publisher PublisherFactory
	notifier  Notifier

	download *http.Client
	tmpRoot  string
	log      logx.Logger
}

type Options struct {
	DownloadTimeout time.Duration // 0 means 30s
	TmpRoot         string        // "" means os.TempDir()
	Notifier        Notifier      // nil disables notifications
}

func NewExecutor(st store.Store, text TextGenerator, image ImageGenerator, publisher PublisherFactory, opts Options, log logx.Logger) *Executor {
	timeout := opts.DownloadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	n := opts.Notifier
	if n == nil {
		n = nopNotifier{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		store:     st,
		text:      text,
		image:     image,
		publisher: publisher,
		notifier:  n,
		download:  &http.Client{Timeout: timeout},
		tmpRoot:   opts.TmpRoot,
		log:       log,
	}
}

// Execute claims the job and runs it to a terminal status. A job that is
// not pending anymore (done, failed, running elsewhere, deleted) is left
// alone; claiming is a compare-and-swap so two concurrent fires cannot
// both run the same job.
func (e *Executor) Execute(ctx context.Context, jobID int64) error {
	job, err := e.store.Job(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	if job == nil {
		e.log.Warn("job vanished before execution", logx.Int64("job", jobID))
		return nil
	}

	claimed, err := e.store.Transition(ctx, jobID, store.StatusPending, store.StatusRunning, store.JobUpdate{})
	if err != nil {
		return fmt.Errorf("claim job %d: %w", jobID, err)
	}
	if !claimed {
		e.log.Info("job not pending, skipping", logx.Int64("job", jobID), logx.String("status", string(job.Status)))
		return nil
	}
	job.Status = store.StatusRunning

	e.log.Info("job started",
		logx.Int64("job", jobID),
		logx.String("topic", job.Topic),
		logx.Int("images", job.ImageCount))

	result, runErr := e.run(ctx, job)
	if runErr != nil {
		stage := FailedStage(runErr)
		msg := runErr.Error()
		if xhs.IsChallenge(runErr) {
			msg = "verification-challenge: " + msg
		}
		if _, err := e.store.Transition(ctx, jobID, store.StatusRunning, store.StatusFailed,
			store.JobUpdate{Error: msg}); err != nil {
			e.log.Error("record job failure", logx.Int64("job", jobID), logx.Err(err))
		}
		e.log.Error("job failed",
			logx.Int64("job", jobID), logx.String("stage", stage), logx.Err(runErr))
		e.notifier.JobFailed(job, stage, runErr)
		return runErr
	}

	if _, err := e.store.Transition(ctx, jobID, store.StatusRunning, store.StatusDone,
		store.JobUpdate{Result: result}); err != nil {
		return fmt.Errorf("record job result %d: %w", jobID, err)
	}
	e.log.Info("job published",
		logx.Int64("job", jobID),
		logx.String("title", result.Title),
		logx.String("note_id", result.NoteID))
	e.notifier.JobSucceeded(job, result)
	return nil
}

func (e *Executor) run(ctx context.Context, job *store.Job) (*store.JobResult, error) {
	content, err := e.text.GenerateContent(ctx, job.Topic, job.Style, job.ImageCount)
	if err != nil {
		return nil, stageErr(StageContent, err)
	}

	refs, refURLs, err := e.resolveRefs(ctx, job)
	if err != nil {
		return nil, stageErr(StagePrompt, err)
	}

	prompts, styles, err := e.text.BuildImagePrompts(ctx, job.Topic, job.Style, content, job.ImageCount, refs)
	if err != nil {
		return nil, stageErr(StagePrompt, err)
	}

	images, err := e.image.Generate(ctx, prompts, job.AspectRatio, styles, refURLs)
	if err != nil {
		return nil, stageErr(StageImage, err)
	}
	for i, img := range images {
		if img.Empty() {
			return nil, stageErr(StageImage, fmt.Errorf("image slot %d of %d produced no result", i+1, len(images)))
		}
	}

	dir, err := os.MkdirTemp(e.tmpRoot, fmt.Sprintf("job-%d-", job.ID))
	if err != nil {
		return nil, stageErr(StageDownload, err)
	}
	defer os.RemoveAll(dir)

	paths := make([]string, 0, len(images))
	for i, img := range images {
		path, err := e.fetchAsset(ctx, dir, img)
		if err != nil {
			return nil, stageErr(StageDownload, fmt.Errorf("asset %d: %w", i+1, err))
		}
		paths = append(paths, path)
	}

	noteID, err := e.publish(ctx, job, content, paths)
	if err != nil {
		return nil, stageErr(StagePublish, err)
	}

	assets := make([]store.ImageAsset, len(images))
	for i, img := range images {
		assets[i] = store.ImageAsset{URL: img.URL, B64JSON: img.B64JSON}
	}
	return &store.JobResult{
		Title:   content.Title,
		Body:    content.Body,
		Prompts: prompts,
		Images:  assets,
		NoteID:  noteID,
	}, nil
}

// resolveRefs turns the job's reference group ids into prompt annotations
// and the raw asset URLs the image payload carries. Groups that no longer
// exist, or belong to another account, drop out silently.
func (e *Executor) resolveRefs(ctx context.Context, job *store.Job) ([]gen.RefAsset, []string, error) {
	if len(job.RefGroupIDs) == 0 {
		return nil, nil, nil
	}
	groups, err := e.store.ImageGroupsByIDs(ctx, job.RefGroupIDs, job.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve reference groups: %w", err)
	}
	var (
		refs []gen.RefAsset
		urls []string
	)
	for _, g := range groups {
		for _, a := range g.Assets {
			note := a.Note
			if note == "" {
				note = g.Annotation
			}
			refs = append(refs, gen.RefAsset{
				URL:      a.URL,
				Name:     a.Name,
				Note:     note,
				Category: g.Category,
			})
			urls = append(urls, a.URL)
		}
	}
	if len(groups) < len(job.RefGroupIDs) {
		e.log.Warn("some reference groups are gone",
			logx.Int64("job", job.ID),
			logx.Int("wanted", len(job.RefGroupIDs)),
			logx.Int("found", len(groups)))
	}
	return refs, urls, nil
}

// fetchAsset materializes one generated image as a local file, downloading
// the URL when present, otherwise decoding the inline payload.
func (e *Executor) fetchAsset(ctx context.Context, dir string, img gen.GeneratedImage) (string, error) {
	path := filepath.Join(dir, uuid.NewString()+".jpg")

	if img.URL == "" {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return "", fmt.Errorf("decode inline image: %w", err)
		}
		return path, os.WriteFile(path, data, 0o644)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.download.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", img.URL, resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func (e *Executor) publish(ctx context.Context, job *store.Job, content *gen.Content, paths []string) (string, error) {
	account, err := e.store.Account(ctx, job.AccountID)
	if err != nil {
		return "", err
	}
	if account == nil || account.Cookie == "" {
		return "", fmt.Errorf("account %q has no session cookie", job.AccountID)
	}
	pub := e.publisher(account.Cookie)

	// tag lookups are best-effort; a failed lookup drops that tag only
	var topics []xhs.Topic
	for _, tag := range content.Hashtags {
		found, err := pub.SuggestTopics(ctx, tag)
		if err != nil {
			if xhs.IsChallenge(err) {
				return "", err
			}
			e.log.Warn("topic lookup failed, omitting tag",
				logx.Int64("job", job.ID), logx.String("tag", tag), logx.Err(err))
			continue
		}
		if len(found) > 0 {
			topics = append(topics, found[0])
		}
	}

	var sb strings.Builder
	sb.WriteString(content.Body)
	if len(content.Hashtags) > 0 {
		sb.WriteString("\n\n")
		for i, tag := range content.Hashtags {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString("#")
			sb.WriteString(tag)
		}
	}

	res, err := pub.CreateImageNote(ctx, content.Title, sb.String(), paths, topics)
	if err != nil {
		return "", err
	}
	return res.NoteID, nil
}
