// Package notify pushes terminal job events to the operator: an async
// queue with a worker pool, rate limiting, bounded retry, and a dedup
// window so a flapping job cannot spam the channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"xhsagent/internal/config"
	"xhsagent/internal/store"
	logx "xhsagent/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Message is one operator notification.
type Message struct {
	Summary string // short line for chat list previews
	Body    string
}

// Channel delivers one message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type job struct {
	msg      Message
	dedupKey string
}

type settings struct {
	workers     int
	queueSize   int
	ratePerSec  int
	retryMax    int
	retryBase   time.Duration
	dedupWindow time.Duration
}

// Service fans messages out to all configured channels. Safe for
// concurrent use; Notify never blocks on delivery.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	channels []Channel
	cfg      settings
	limiter  *rate.Limiter

	accepting bool
	queue     chan job
	wg        sync.WaitGroup
	sendWG    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	enabled bool
}

func New(cfg *config.NotifierConfig, channels []Channel, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		channels: channels,
		dedup:    map[string]time.Time{},
	}
	if cfg == nil || !cfg.Enabled || len(channels) == 0 {
		return s, nil
	}

	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", cfg.RetryBase, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	dedupWindow, err := config.ParseDurationOrDefault("notifier.dedup_window", cfg.DedupWindow, 0)
	if err != nil {
		return nil, err
	}

	set := settings{
		workers:     cfg.Workers,
		queueSize:   cfg.QueueSize,
		ratePerSec:  cfg.RatePerSec,
		retryMax:    cfg.RetryMax,
		retryBase:   retryBase,
		dedupWindow: dedupWindow,
	}
	if set.workers <= 0 {
		set.workers = 2
	}
	if set.queueSize <= 0 {
		set.queueSize = 256
	}
	if set.ratePerSec <= 0 {
		set.ratePerSec = 3
	}
	if set.retryMax < 0 {
		set.retryMax = 0
	}

	s.cfg = set
	s.limiter = rate.NewLimiter(rate.Limit(set.ratePerSec), set.ratePerSec)
	s.enabled = true
	return s, nil
}

func (s *Service) Enabled() bool { return s.enabled }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.queue != nil {
		return
	}
	s.queue = make(chan job, s.cfg.queueSize)
	s.accepting = true

	for i := 0; i < s.cfg.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, s.queue)
	}
	s.log.Info("notifier started",
		logx.Int("workers", s.cfg.workers),
		logx.Int("channels", len(s.channels)))
}

// Stop blocks intake, then drains the queue until done or ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	q := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier stopped with deliveries still in flight")
	}
	s.log.Info("notifier stopped")
}

// Notify queues one message. Duplicate messages inside the dedup window
// are silently suppressed; a full queue drops the message with an error.
func (s *Service) Notify(ctx context.Context, msg Message) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.dedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(msg)
	if window > 0 && !s.dedupAllow(key, window) {
		s.log.Debug("notification deduped", logx.String("summary", msg.Summary))
		return nil
	}

	select {
	case q <- job{msg: msg, dedupKey: key}:
		return nil
	default:
		s.log.Warn("notification dropped, queue full", logx.String("summary", msg.Summary))
		return ErrQueueFull
	}
}

// JobSucceeded reports a published job. Fire-and-forget.
func (s *Service) JobSucceeded(j *store.Job, result *store.JobResult) {
	summary := fmt.Sprintf("✅ 定时任务 #%d 发布成功", j.ID)
	body := fmt.Sprintf("%s\n\n主题：%s\n标题：%s\n笔记ID：%s\n配图：%d 张",
		summary, j.Topic, result.Title, result.NoteID, len(result.Images))
	if err := s.Notify(context.Background(), Message{Summary: summary, Body: body}); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("success notification not queued", logx.Int64("job", j.ID), logx.Err(err))
	}
}

// JobFailed reports a failed job with the stage that killed it.
func (s *Service) JobFailed(j *store.Job, stage string, err error) {
	summary := fmt.Sprintf("❌ 定时任务 #%d 失败", j.ID)
	body := fmt.Sprintf("%s\n\n主题：%s\n阶段：%s\n错误信息：%v", summary, j.Topic, stage, err)
	if nerr := s.Notify(context.Background(), Message{Summary: summary, Body: body}); nerr != nil && !errors.Is(nerr, ErrDisabled) {
		s.log.Warn("failure notification not queued", logx.Int64("job", j.ID), logx.Err(nerr))
	}
}

func (s *Service) worker(ctx context.Context, q <-chan job) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	for _, ch := range s.channels {
		s.sendWithRetry(ctx, ch, j.msg)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, ch Channel, msg Message) {
	maxAttempts := 1 + s.cfg.retryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := ch.Send(callCtx, msg)
		cancel()
		if err == nil {
			s.log.Debug("notification sent",
				logx.String("channel", ch.Name()), logx.String("summary", msg.Summary))
			return
		}
		s.log.Warn("notification send failed",
			logx.String("channel", ch.Name()),
			logx.Int("attempt", attempt),
			logx.Err(err))
		if attempt >= maxAttempts {
			return
		}

		t := time.NewTimer(retryDelay(s.cfg.retryBase, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
}

func dedupKey(msg Message) string {
	h := fnv.New64a()
	h.Write([]byte(msg.Summary))
	h.Write([]byte("|"))
	h.Write([]byte(msg.Body))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is exponential from base with 0.7..1.3 jitter, capped at 10s.
func retryDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 10 * time.Second
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
