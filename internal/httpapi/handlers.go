package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"xhsagent/internal/store"
	logx "xhsagent/pkg/logx"
)

// ---- goals ----

type goalView struct {
	ID          int64  `json:"id"`
	AccountID   string `json:"account_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Style       string `json:"style"`
	PostFreq    int    `json:"post_freq"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) goalView(g *store.Goal) goalView {
	return goalView{
		ID:          g.ID,
		AccountID:   g.AccountID,
		Title:       g.Title,
		Description: g.Description,
		Style:       g.Style,
		PostFreq:    g.PostFreq,
		Active:      g.Active,
		CreatedAt:   g.CreatedAt.In(s.loc).Format(time.RFC3339),
	}
}

func (s *Server) listGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := s.st.Goals(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list goals: %v", err)
		return
	}
	out := make([]goalView, 0, len(goals))
	for _, g := range goals {
		out = append(out, s.goalView(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createGoal(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AccountID   string `json:"account_id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Style       string `json:"style"`
		PostFreq    int    `json:"post_freq"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.AccountID == "" || in.Title == "" {
		writeErr(w, http.StatusBadRequest, "account_id and title are required")
		return
	}
	if in.Style == "" {
		in.Style = "生活方式"
	}
	if in.PostFreq <= 0 {
		in.PostFreq = 1
	}

	account, err := s.st.Account(r.Context(), in.AccountID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "load account: %v", err)
		return
	}
	if account == nil {
		writeErr(w, http.StatusNotFound, "account %q not found", in.AccountID)
		return
	}

	g := &store.Goal{
		AccountID:   in.AccountID,
		Title:       in.Title,
		Description: in.Description,
		Style:       in.Style,
		PostFreq:    in.PostFreq,
		Active:      true,
	}
	id, err := s.st.CreateGoal(r.Context(), g)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "create goal: %v", err)
		return
	}
	g.ID = id
	writeJSON(w, http.StatusCreated, s.goalView(g))
}

func (s *Server) deleteGoal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid goal id")
		return
	}

	// disarm timers before the rows go away
	pending, err := s.st.Jobs(r.Context(), store.JobFilter{GoalID: id, Status: store.StatusPending})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list goal jobs: %v", err)
		return
	}
	for _, job := range pending {
		s.sched.Cancel(job.ID)
	}

	deleted, err := s.st.DeleteGoal(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "delete goal: %v", err)
		return
	}
	if !deleted {
		writeErr(w, http.StatusNotFound, "goal %d not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleGoal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid goal id")
		return
	}
	active, err := strconv.ParseBool(r.URL.Query().Get("active"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "active query parameter must be true or false")
		return
	}
	ok, err = s.st.SetGoalActive(r.Context(), id, active)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "toggle goal: %v", err)
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "goal %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": active})
}

func (s *Server) planGoal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid goal id")
		return
	}
	if err := s.planner.PlanGoal(r.Context(), id); err != nil {
		writeErr(w, http.StatusBadGateway, "plan goal: %v", err)
		return
	}
	jobs, err := s.st.Jobs(r.Context(), store.JobFilter{GoalID: id, Status: store.StatusPending})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list planned jobs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"goal_id": id, "planned": len(jobs)})
}

func (s *Server) listGoalJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid goal id")
		return
	}
	s.writeJobs(w, r, store.JobFilter{GoalID: id})
}

// ---- jobs ----

type jobView struct {
	ID          int64            `json:"id"`
	GoalID      int64            `json:"goal_id"`
	AccountID   string           `json:"account_id"`
	Topic       string           `json:"topic"`
	Style       string           `json:"style"`
	AspectRatio string           `json:"aspect_ratio"`
	ImageCount  int              `json:"image_count"`
	RefGroupIDs []int64          `json:"ref_group_ids,omitempty"`
	ScheduledAt string           `json:"scheduled_at"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	Result      *store.JobResult `json:"result,omitempty"`
}

func (s *Server) jobView(j *store.Job) jobView {
	return jobView{
		ID:          j.ID,
		GoalID:      j.GoalID,
		AccountID:   j.AccountID,
		Topic:       j.Topic,
		Style:       j.Style,
		AspectRatio: j.AspectRatio,
		ImageCount:  j.ImageCount,
		RefGroupIDs: j.RefGroupIDs,
		ScheduledAt: j.ScheduledAt.In(s.loc).Format("2006-01-02 15:04"),
		Status:      string(j.Status),
		Error:       j.Error,
		Result:      j.Result,
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var f store.JobFilter
	if v := r.URL.Query().Get("status"); v != "" {
		status := store.Status(v)
		if !status.Valid() {
			writeErr(w, http.StatusBadRequest, "unknown status %q", v)
			return
		}
		f.Status = status
	}
	s.writeJobs(w, r, f)
}

func (s *Server) writeJobs(w http.ResponseWriter, r *http.Request, f store.JobFilter) {
	jobs, err := s.st.Jobs(r.Context(), f)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list jobs: %v", err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.jobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

// runJobNow re-queues a pending or failed job and executes it immediately,
// ignoring scheduled_at. The stored error is cleared on the way back to
// pending so a later failure is unambiguous.
func (s *Server) runJobNow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.st.Job(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "load job: %v", err)
		return
	}
	if job == nil {
		writeErr(w, http.StatusNotFound, "job %d not found", id)
		return
	}
	if job.Status != store.StatusPending && job.Status != store.StatusFailed {
		writeErr(w, http.StatusConflict, "job %d is %s and cannot be run now", id, job.Status)
		return
	}

	if job.Status == store.StatusFailed {
		ok, err := s.st.Transition(r.Context(), id, store.StatusFailed, store.StatusPending,
			store.JobUpdate{ClearError: true})
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "requeue job: %v", err)
			return
		}
		if !ok {
			writeErr(w, http.StatusConflict, "job %d changed state, try again", id)
			return
		}
	}

	s.sched.Cancel(id)
	go func() {
		if err := s.exec.Execute(context.Background(), id); err != nil {
			s.log.Error("run-now execution failed", logx.Int64("job", id), logx.Err(err))
		}
	}()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": id})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid job id")
		return
	}
	s.sched.Cancel(id)
	deleted, err := s.st.DeleteJob(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "delete job: %v", err)
		return
	}
	if !deleted {
		writeErr(w, http.StatusNotFound, "job %d not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- accounts ----

type accountView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	XhsUserID string `json:"xhs_user_id,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Fans      string `json:"fans,omitempty"`
	HasCookie bool   `json:"has_cookie"`
}

func accountViewOf(a *store.Account) accountView {
	return accountView{
		ID:        a.ID,
		Name:      a.Name,
		XhsUserID: a.XhsUserID,
		Nickname:  a.Nickname,
		AvatarURL: a.AvatarURL,
		Fans:      a.Fans,
		HasCookie: a.Cookie != "",
	}
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.st.Accounts(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list accounts: %v", err)
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountViewOf(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Cookie    string `json:"cookie"`
		XhsUserID string `json:"xhs_user_id"`
		Nickname  string `json:"nickname"`
		AvatarURL string `json:"avatar_url"`
		Fans      string `json:"fans"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.ID == "" || in.Cookie == "" {
		writeErr(w, http.StatusBadRequest, "id and cookie are required")
		return
	}
	if in.Name == "" {
		in.Name = in.ID
	}
	a := &store.Account{
		ID:        in.ID,
		Name:      in.Name,
		Cookie:    in.Cookie,
		XhsUserID: in.XhsUserID,
		Nickname:  in.Nickname,
		AvatarURL: in.AvatarURL,
		Fans:      in.Fans,
	}
	if err := s.st.PutAccount(r.Context(), a); err != nil {
		writeErr(w, http.StatusInternalServerError, "save account: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, accountViewOf(a))
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeErr(w, http.StatusBadRequest, "invalid account id")
		return
	}
	deleted, err := s.st.DeleteAccount(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "delete account: %v", err)
		return
	}
	if !deleted {
		writeErr(w, http.StatusNotFound, "account %q not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- image groups ----

type imageGroupView struct {
	ID         int64              `json:"id"`
	AccountID  string             `json:"account_id"`
	Category   string             `json:"category"`
	Annotation string             `json:"annotation,omitempty"`
	Assets     []store.GroupAsset `json:"assets"`
	CreatedAt  string             `json:"created_at"`
}

func (s *Server) imageGroupView(g *store.ImageGroup) imageGroupView {
	return imageGroupView{
		ID:         g.ID,
		AccountID:  g.AccountID,
		Category:   g.Category,
		Annotation: g.Annotation,
		Assets:     g.Assets,
		CreatedAt:  g.CreatedAt.In(s.loc).Format(time.RFC3339),
	}
}

func (s *Server) listImageGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.st.ImageGroups(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list image groups: %v", err)
		return
	}
	out := make([]imageGroupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, s.imageGroupView(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createImageGroup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AccountID  string             `json:"account_id"`
		Category   string             `json:"category"`
		Annotation string             `json:"annotation"`
		Assets     []store.GroupAsset `json:"assets"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.AccountID == "" {
		writeErr(w, http.StatusBadRequest, "account_id is required")
		return
	}

	account, err := s.st.Account(r.Context(), in.AccountID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "load account: %v", err)
		return
	}
	if account == nil {
		writeErr(w, http.StatusNotFound, "account %q not found", in.AccountID)
		return
	}

	g := &store.ImageGroup{
		AccountID:  in.AccountID,
		Category:   in.Category,
		Annotation: in.Annotation,
		Assets:     in.Assets,
	}
	if _, err := s.st.CreateImageGroup(r.Context(), g); err != nil {
		writeErr(w, http.StatusBadRequest, "create image group: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, s.imageGroupView(g))
}

func (s *Server) getImageGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid image group id")
		return
	}
	g, err := s.st.ImageGroup(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "load image group: %v", err)
		return
	}
	if g == nil {
		writeErr(w, http.StatusNotFound, "image group %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, s.imageGroupView(g))
}

func (s *Server) deleteImageGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid image group id")
		return
	}
	deleted, err := s.st.DeleteImageGroup(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "delete image group: %v", err)
		return
	}
	if !deleted {
		writeErr(w, http.StatusNotFound, "image group %d not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- settings ----

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeErr(w, http.StatusBadRequest, "invalid setting key")
		return
	}
	value, err := s.st.Setting(r.Context(), key)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "load setting: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeErr(w, http.StatusBadRequest, "invalid setting key")
		return
	}
	var in struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if err := s.st.SetSetting(r.Context(), key, in.Value); err != nil {
		writeErr(w, http.StatusInternalServerError, "save setting: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": in.Value})
}

// previewAccount validates a raw cookie by asking the platform who it is.
func (s *Server) previewAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Cookie string `json:"cookie"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Cookie == "" {
		writeErr(w, http.StatusBadRequest, "cookie is required")
		return
	}
	if s.preview == nil {
		writeErr(w, http.StatusServiceUnavailable, "account preview is not available")
		return
	}
	info, err := s.preview(in.Cookie).SelfInfo(r.Context())
	if err != nil {
		writeErr(w, http.StatusBadGateway, "cookie check failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
