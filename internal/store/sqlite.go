package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "xhsagent/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// scheduledAtLayout keeps minute precision, matching what the planner emits.
const scheduledAtLayout = "2006-01-02 15:04"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

// Open initializes the SQLite store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Timezone
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, loc: loc}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

func (s *sqliteStore) CreateJob(ctx context.Context, j *Job) (int64, error) {
	if !j.Status.Valid() {
		j.Status = StatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	refs, err := marshalRefIDs(j.RefGroupIDs)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(goal_id, account_id, topic, style, aspect_ratio, image_count,
		                  ref_group_ids, scheduled_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		j.GoalID, j.AccountID, j.Topic, j.Style, j.AspectRatio, j.ImageCount,
		refs, j.ScheduledAt.In(s.loc).Format(scheduledAtLayout), string(j.Status),
		j.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	j.ID = id
	return id, nil
}

const jobColumns = `id, goal_id, account_id, topic, style, aspect_ratio, image_count,
	ref_group_ids, scheduled_at, status, result, error, created_at`

func (s *sqliteStore) Job(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := s.scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *sqliteStore) Jobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		conds []string
		args  []any
	)
	if f.GoalID != 0 {
		conds = append(conds, "goal_id = ?")
		args = append(args, f.GoalID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY scheduled_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Transition(ctx context.Context, id int64, from, to Status, upd JobUpdate) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, fmt.Errorf("invalid status transition %q -> %q", from, to)
	}

	set := []string{"status = ?"}
	args := []any{string(to)}

	if upd.Result != nil {
		b, err := json.Marshal(upd.Result)
		if err != nil {
			return false, fmt.Errorf("marshal job result: %w", err)
		}
		set = append(set, "result = ?")
		args = append(args, string(b))
	}
	switch {
	case upd.ClearError:
		set = append(set, "error = NULL")
	case upd.Error != "":
		set = append(set, "error = ?")
		args = append(args, upd.Error)
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DeletePendingJobs(ctx context.Context, goalID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE goal_id = ? AND status = ?`, goalID, string(StatusPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) scanJob(r rowScanner) (*Job, error) {
	var (
		j                    Job
		refs, result, errCol sql.NullString
		schedAt, createdAt   string
		status               string
	)
	err := r.Scan(&j.ID, &j.GoalID, &j.AccountID, &j.Topic, &j.Style, &j.AspectRatio,
		&j.ImageCount, &refs, &schedAt, &status, &result, &errCol, &createdAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Error = errCol.String

	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &j.RefGroupIDs); err != nil {
			return nil, fmt.Errorf("job %d: ref_group_ids: %w", j.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		var res JobResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("job %d: result: %w", j.ID, err)
		}
		j.Result = &res
	}

	j.ScheduledAt, err = time.ParseInLocation(scheduledAtLayout, schedAt, s.loc)
	if err != nil {
		return nil, fmt.Errorf("job %d: scheduled_at %q: %w", j.ID, schedAt, err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		j.CreatedAt = t
	}
	return &j, nil
}

func marshalRefIDs(ids []int64) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// ---- goals ----

func (s *sqliteStore) CreateGoal(ctx context.Context, g *Goal) (int64, error) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if g.PostFreq <= 0 {
		g.PostFreq = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO goals(account_id, title, description, style, post_freq, active, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		g.AccountID, g.Title, g.Description, g.Style, g.PostFreq, boolInt(g.Active),
		g.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	g.ID = id
	return id, nil
}

func (s *sqliteStore) Goal(ctx context.Context, id int64) (*Goal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, title, description, style, post_freq, active, created_at
		 FROM goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (s *sqliteStore) Goals(ctx context.Context) ([]*Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, title, description, style, post_freq, active, created_at
		 FROM goals ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetGoalActive(ctx context.Context, id int64, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE goals SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteGoal removes the goal and all of its jobs, any status.
func (s *sqliteStore) DeleteGoal(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE goal_id = ?`, id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM goals WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func scanGoal(r rowScanner) (*Goal, error) {
	var (
		g         Goal
		active    int
		createdAt string
	)
	err := r.Scan(&g.ID, &g.AccountID, &g.Title, &g.Description, &g.Style, &g.PostFreq, &active, &createdAt)
	if err != nil {
		return nil, err
	}
	g.Active = active != 0
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		g.CreatedAt = t
	}
	return &g, nil
}

// ---- accounts ----

func (s *sqliteStore) PutAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, name, cookie, xhs_user_id, nickname, avatar_url, fans, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, cookie=excluded.cookie, xhs_user_id=excluded.xhs_user_id,
		   nickname=excluded.nickname, avatar_url=excluded.avatar_url, fans=excluded.fans`,
		a.ID, a.Name, a.Cookie, nullStr(a.XhsUserID), nullStr(a.Nickname),
		nullStr(a.AvatarURL), nullStr(a.Fans), a.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Account(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cookie, xhs_user_id, nickname, avatar_url, fans, created_at
		 FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *sqliteStore) Accounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cookie, xhs_user_id, nickname, avatar_url, fans, created_at
		 FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanAccount(r rowScanner) (*Account, error) {
	var (
		a                          Account
		userID, nick, avatar, fans sql.NullString
		createdAt                  string
	)
	err := r.Scan(&a.ID, &a.Name, &a.Cookie, &userID, &nick, &avatar, &fans, &createdAt)
	if err != nil {
		return nil, err
	}
	a.XhsUserID = userID.String
	a.Nickname = nick.String
	a.AvatarURL = avatar.String
	a.Fans = fans.String
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// ---- image groups ----

func (s *sqliteStore) CreateImageGroup(ctx context.Context, g *ImageGroup) (int64, error) {
	if strings.TrimSpace(g.AccountID) == "" {
		return 0, errors.New("image group needs an account id")
	}
	if g.Category == "" {
		g.Category = "style"
	}
	if !ValidGroupCategory(g.Category) {
		return 0, fmt.Errorf("unknown image group category %q", g.Category)
	}
	if len(g.Assets) == 0 {
		return 0, errors.New("image group needs at least one asset")
	}
	if len(g.Assets) > MaxGroupAssets {
		return 0, fmt.Errorf("image group holds %d assets, max is %d", len(g.Assets), MaxGroupAssets)
	}
	for i, a := range g.Assets {
		if strings.TrimSpace(a.URL) == "" {
			return 0, fmt.Errorf("image group asset %d has no url", i+1)
		}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	assets, err := json.Marshal(g.Assets)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO image_groups(account_id, category, annotation, assets, created_at)
		 VALUES(?,?,?,?,?)`,
		g.AccountID, g.Category, nullStr(g.Annotation), string(assets),
		g.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	g.ID = id
	return id, nil
}

func (s *sqliteStore) ImageGroup(ctx context.Context, id int64) (*ImageGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, category, annotation, assets, created_at
		 FROM image_groups WHERE id = ?`, id)
	g, err := scanImageGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (s *sqliteStore) ImageGroups(ctx context.Context, accountID string) ([]*ImageGroup, error) {
	q := `SELECT id, account_id, category, annotation, assets, created_at FROM image_groups`
	var args []any
	if accountID != "" {
		q += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ImageGroup
	for rows.Next() {
		g, err := scanImageGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ImageGroupsByIDs(ctx context.Context, ids []int64, accountID string) ([]*ImageGroup, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	q := `SELECT id, account_id, category, annotation, assets, created_at
	      FROM image_groups WHERE id IN (` + placeholders + `)`
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	if accountID != "" {
		q += ` AND account_id = ?`
		args = append(args, accountID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*ImageGroup, len(ids))
	for rows.Next() {
		g, err := scanImageGroup(rows)
		if err != nil {
			return nil, err
		}
		byID[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*ImageGroup
	for _, id := range ids {
		if g, ok := byID[id]; ok {
			out = append(out, g)
			delete(byID, id)
		}
	}
	return out, nil
}

func (s *sqliteStore) DeleteImageGroup(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM image_groups WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanImageGroup(r rowScanner) (*ImageGroup, error) {
	var (
		g          ImageGroup
		annotation sql.NullString
		assets     string
		createdAt  string
	)
	err := r.Scan(&g.ID, &g.AccountID, &g.Category, &annotation, &assets, &createdAt)
	if err != nil {
		return nil, err
	}
	g.Annotation = annotation.String
	if err := json.Unmarshal([]byte(assets), &g.Assets); err != nil {
		return nil, fmt.Errorf("image group %d: assets: %w", g.ID, err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		g.CreatedAt = t
	}
	return &g, nil
}

// ---- settings ----

func (s *sqliteStore) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
