package store

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
	Timezone    *time.Location
}

// Status is the job lifecycle state.
//
// Transitions are one-directional: pending -> running -> done|failed.
// The only way back is an explicit re-queue (run-now) that resets a
// pending/failed job to pending and clears its error.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Job is one scheduled publish attempt.
type Job struct {
	ID        int64
	GoalID    int64
	AccountID string

	Topic       string
	Style       string
	AspectRatio string
	ImageCount  int
	RefGroupIDs []int64

	ScheduledAt time.Time // minute precision, operating timezone
	Status      Status

	Result *JobResult
	Error  string

	CreatedAt time.Time
}

// JobResult is the payload of a successfully published job.
type JobResult struct {
	Title   string       `json:"title"`
	Body    string       `json:"body"`
	Prompts []string     `json:"prompts,omitempty"`
	Images  []ImageAsset `json:"images"`
	NoteID  string       `json:"note_id,omitempty"`
}

// ImageAsset references one generated image, by URL or inline data.
type ImageAsset struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// JobFilter narrows Jobs() results. Zero value lists everything.
type JobFilter struct {
	GoalID int64
	Status Status
}

// JobUpdate carries the fields a Transition may set alongside the status flip.
type JobUpdate struct {
	Result *JobResult
	// Error replaces the error column. ClearError resets it to NULL;
	// they are separate so a pending re-queue can clear without writing "".
	Error      string
	ClearError bool
}

// MaxGroupAssets caps how many reference images one group may hold.
const MaxGroupAssets = 9

// ImageGroup is a batch of reference images scoped to one account. Jobs
// carry group ids; the pipeline resolves them to asset URLs and notes that
// steer prompt planning and image generation.
type ImageGroup struct {
	ID         int64
	AccountID  string
	Category   string // style, person, product, scene, brand
	Annotation string
	Assets     []GroupAsset
	CreatedAt  time.Time
}

// GroupAsset is one reference image inside a group.
type GroupAsset struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Note string `json:"note,omitempty"`
}

// ValidGroupCategory reports whether c is a known reference category.
func ValidGroupCategory(c string) bool {
	switch c {
	case "style", "person", "product", "scene", "brand":
		return true
	}
	return false
}

// Goal is an operation goal owning a batch of scheduled jobs.
type Goal struct {
	ID          int64
	AccountID   string
	Title       string
	Description string
	Style       string
	PostFreq    int
	Active      bool
	CreatedAt   time.Time
}

// Account is a publishing identity (session cookie included).
type Account struct {
	ID        string
	Name      string
	Cookie    string
	XhsUserID string
	Nickname  string
	AvatarURL string
	Fans      string
	CreatedAt time.Time
}
