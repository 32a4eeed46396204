package store

import "context"

// Store is the persistence API used by the scheduler, pipeline, and planner.
//
// Absent rows are normal results (nil, no error) for the single-row getters.
// I/O failures always propagate; callers must not guess at job state.
type Store interface {
	CreateJob(ctx context.Context, j *Job) (int64, error)
	Job(ctx context.Context, id int64) (*Job, error)
	Jobs(ctx context.Context, f JobFilter) ([]*Job, error)
	// Transition flips status from->to atomically and applies upd in the same
	// statement. It returns false (and no error) when the row's status no
	// longer matches from, i.e. the caller lost the race.
	Transition(ctx context.Context, id int64, from, to Status, upd JobUpdate) (bool, error)
	DeleteJob(ctx context.Context, id int64) (bool, error)
	DeletePendingJobs(ctx context.Context, goalID int64) (int64, error)

	CreateGoal(ctx context.Context, g *Goal) (int64, error)
	Goal(ctx context.Context, id int64) (*Goal, error)
	Goals(ctx context.Context) ([]*Goal, error)
	SetGoalActive(ctx context.Context, id int64, active bool) (bool, error)
	DeleteGoal(ctx context.Context, id int64) (bool, error)

	PutAccount(ctx context.Context, a *Account) error
	Account(ctx context.Context, id string) (*Account, error)
	Accounts(ctx context.Context) ([]*Account, error)
	DeleteAccount(ctx context.Context, id string) (bool, error)

	CreateImageGroup(ctx context.Context, g *ImageGroup) (int64, error)
	ImageGroup(ctx context.Context, id int64) (*ImageGroup, error)
	ImageGroups(ctx context.Context, accountID string) ([]*ImageGroup, error)
	// ImageGroupsByIDs resolves the groups a job references. Unknown ids and
	// groups owned by another account are silently dropped; the order of ids
	// is preserved in the result.
	ImageGroupsByIDs(ctx context.Context, ids []int64, accountID string) ([]*ImageGroup, error)
	DeleteImageGroup(ctx context.Context, id int64) (bool, error)

	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
