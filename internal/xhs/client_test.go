package xhs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"xhsagent/internal/sign"
	logx "xhsagent/pkg/logx"
)

type stubStrategy struct{}

func (stubStrategy) Sign(ctx context.Context, uri string, body any, cookie string) (sign.Headers, error) {
	return sign.Headers{XS: "stub-xs", XT: "1700000000000", XSCommon: "stub-common", B3TraceID: "deadbeefdeadbeef"}, nil
}
func (stubStrategy) Reinit(ctx context.Context) error { return nil }
func (stubStrategy) Close() error                     { return nil }

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	signer := sign.New(stubStrategy{}, logx.Nop())
	return NewClient(Config{BaseURL: srv.URL}, signer, "web_session=abc123", logx.Nop())
}

func TestClientSuccessEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-S"); got != "stub-xs" {
			t.Errorf("x-s header = %q, want stub-xs", got)
		}
		if got := r.Header.Get("Cookie"); !strings.Contains(got, "web_session=abc123") {
			t.Errorf("cookie header = %q", got)
		}
		w.Write([]byte(`{"success":true,"data":{"nickname":"momo"}}`))
	}))
	defer srv.Close()

	raw, err := testClient(t, srv).Get(context.Background(), "/api/sns/web/v2/user/me", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var out struct {
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if out.Nickname != "momo" {
		t.Fatalf("nickname = %q, want momo", out.Nickname)
	}
}

func TestClientCodeZeroEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"ok":true}}`))
	}))
	defer srv.Close()

	if _, err := testClient(t, srv).Post(context.Background(), "/web_api/sns/v2/note", map[string]any{}); err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"code":-100,"msg":"登录已过期"}`))
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Get(context.Background(), "/api/sns/web/v2/user/me", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != -100 || apiErr.Msg != "登录已过期" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestClientChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Verifytype", "sms")
		w.Header().Set("Verifyuuid", "uuid-123")
		w.WriteHeader(471)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Post(context.Background(), "/web_api/sns/v2/note", map[string]any{"title": "t"})
	var ce *ChallengeError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ChallengeError", err)
	}
	if ce.StatusCode != 471 || ce.Type != "sms" || ce.UUID != "uuid-123" {
		t.Fatalf("challenge = %+v", ce)
	}
	if !strings.Contains(ce.Error(), "sms") {
		t.Fatalf("challenge message %q should name the verify type", ce.Error())
	}
	if !IsChallenge(err) {
		t.Fatal("IsChallenge = false")
	}
}

func TestUserAllNotesPagination(t *testing.T) {
	pages := map[string]string{
		"": `{"success":true,"data":{"notes":[{"note_id":"n1"},{"note_id":"n2"}],"cursor":"c1","has_more":true}}`,
		"c1": `{"success":true,"data":{"notes":[{"note_id":"n3"}],"cursor":"","has_more":false}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pages[r.URL.Query().Get("cursor")]))
	}))
	defer srv.Close()

	notes, err := testClient(t, srv).UserAllNotes(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("UserAllNotes: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("got %d notes, want 3", len(notes))
	}
	if notes[2].NoteID != "n3" {
		t.Fatalf("last note = %q, want n3", notes[2].NoteID)
	}
}

func TestSearchIDShape(t *testing.T) {
	id := searchID()
	if id == "" {
		t.Fatal("empty search id")
	}
	if id != strings.ToUpper(id) {
		t.Fatalf("search id %q not upper-case", id)
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ", r) {
			t.Fatalf("search id %q has non-base36 rune %q", id, r)
		}
	}
}

func TestSuggestTopics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["keyword"] != "咖啡" {
			t.Errorf("keyword = %v", body["keyword"])
		}
		w.Write([]byte(`{"success":true,"data":{"topic_info_dicts":[{"id":"t1","name":"咖啡","link":"https://example/t1"}]}}`))
	}))
	defer srv.Close()

	topics, err := testClient(t, srv).SuggestTopics(context.Background(), "咖啡")
	if err != nil {
		t.Fatalf("SuggestTopics: %v", err)
	}
	if len(topics) != 1 || topics[0].Name != "咖啡" {
		t.Fatalf("topics = %+v", topics)
	}
}

func TestGetEncodesParams(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"success":true,"data":{}}`))
	}))
	defer srv.Close()

	params := url.Values{}
	params.Set("num", "30")
	params.Set("user_id", "u1")
	if _, err := testClient(t, srv).Get(context.Background(), "/api/sns/web/v1/user_posted", params); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotQuery.Get("num") != "30" || gotQuery.Get("user_id") != "u1" {
		t.Fatalf("query = %v", gotQuery)
	}
}

func TestNoteComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sns/web/v2/comment/page" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("note_id") != "n1" || q.Get("cursor") != "c2" || q.Get("xsec_token") != "tok" {
			t.Errorf("query = %v", q)
		}
		if q.Get("image_formats") != "jpg,webp,avif" {
			t.Errorf("image_formats = %q", q.Get("image_formats"))
		}
		w.Write([]byte(`{"success":true,"data":{"comments":[{"content":"好喝"}],"has_more":false}}`))
	}))
	defer srv.Close()

	data, err := testClient(t, srv).NoteComments(context.Background(), "n1", "c2", "tok")
	if err != nil {
		t.Fatalf("NoteComments: %v", err)
	}
	comments, ok := data["comments"].([]any)
	if !ok || len(comments) != 1 {
		t.Fatalf("comments = %v", data["comments"])
	}
}

func TestShortURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sns/web/short_url" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["original_url"] != "https://www.xiaohongshu.com/explore/n1" {
			t.Errorf("original_url = %v", body["original_url"])
		}
		w.Write([]byte(`{"success":true,"data":{"short_url":"https://xhslink.com/abc"}}`))
	}))
	defer srv.Close()

	data, err := testClient(t, srv).ShortURL(context.Background(), "https://www.xiaohongshu.com/explore/n1")
	if err != nil {
		t.Fatalf("ShortURL: %v", err)
	}
	if data["short_url"] != "https://xhslink.com/abc" {
		t.Fatalf("data = %v", data)
	}
}

func TestHomefeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sns/web/v1/homefeed" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["category"] != "homefeed_recommend" {
			t.Errorf("category = %v", body["category"])
		}
		if body["cursor_score"] != "cs-1" {
			t.Errorf("cursor_score = %v", body["cursor_score"])
		}
		// zero num falls back to the platform default page size
		if body["num"] != float64(18) || body["need_num"] != float64(18) {
			t.Errorf("num = %v, need_num = %v", body["num"], body["need_num"])
		}
		w.Write([]byte(`{"success":true,"data":{"items":[{"id":"n1"},{"id":"n2"}]}}`))
	}))
	defer srv.Close()

	data, err := testClient(t, srv).Homefeed(context.Background(), "cs-1", 4, 0)
	if err != nil {
		t.Fatalf("Homefeed: %v", err)
	}
	items, ok := data["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("items = %v", data["items"])
	}
}
