package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/atrium-ai/atrium/pkg/agent"
	"github.com/atrium-ai/atrium/pkg/llm"
	"github.com/atrium-ai/atrium/pkg/sandbox"
	"github.com/atrium-ai/atrium/pkg/skills"
	"github.com/atrium-ai/atrium/pkg/store"
)

func newTestServer(t *testing.T, responses ...string) (*httptest.Server, *store.Store) {
	t.Helper()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	root := t.TempDir()
	skillDir := filepath.Join(root, "websearch")
	os.MkdirAll(skillDir, 0o755)
	os.WriteFile(filepath.Join(skillDir, skills.ManifestFilename),
		[]byte("---\nname: websearch_service\ndescription: search the web\n---\n"), 0o644)
	registry, err := skills.NewRegistry(root, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	sandboxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			fmt.Fprint(w, `{"status":"ok"}`)
			return
		}
		fmt.Fprint(w, `{"success":true,"stdout":"RESULT","stderr":"","exit_code":0,"duration_ms":1}`)
	}))
	t.Cleanup(sandboxSrv.Close)
	u, _ := url.Parse(sandboxSrv.URL)
	port, _ := strconv.Atoi(u.Port())
	gateway := sandbox.New(u.Hostname(), port)

	engine := agent.New(s, registry,
		llm.NewScriptedMockProvider(responses...),
		agent.NewExecutor(gateway, 5*time.Second, nil),
		nil,
		agent.Config{Model: "test-model"},
		nil,
	)

	srv := httptest.NewServer(New(engine, s, registry, gateway, nil))
	t.Cleanup(srv.Close)
	return srv, s
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestCompletionsSSE(t *testing.T) {
	srv, _ := newTestServer(t, "Hi!")

	resp := postJSON(t, srv.URL+"/agent/completions", map[string]any{"message": "Hello"})
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", got)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(lines) == 0 {
		t.Fatalf("no SSE data lines")
	}
	if lines[len(lines)-1] != "[DONE]" {
		t.Fatalf("stream must terminate with data: [DONE], got %q", lines[len(lines)-1])
	}

	sawDone := false
	for _, line := range lines[:len(lines)-1] {
		var event agent.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("event line not json: %q", line)
		}
		if event.Type == agent.EventDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatalf("missing done event before terminator")
	}
}

func TestCompletionsNonStreaming(t *testing.T) {
	srv, _ := newTestServer(t, "plain answer")

	stream := false
	resp := postJSON(t, srv.URL+"/agent/completions", map[string]any{"message": "q", "stream": stream})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var result agent.Result
	decodeBody(t, resp, &result)
	if result.Content != "plain answer" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if result.SessionID == "" {
		t.Fatalf("missing session id")
	}
	if len(result.Events) == 0 {
		t.Fatalf("missing events")
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/agent/sessions", map[string]any{"title": "demo", "model": "m"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", resp.StatusCode)
	}
	var session store.Session
	decodeBody(t, resp, &session)

	getResp, err := http.Get(srv.URL + "/agent/sessions/" + session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var fetched store.Session
	decodeBody(t, getResp, &fetched)
	if fetched.Title != "demo" {
		t.Fatalf("unexpected session: %+v", fetched)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/agent/sessions/"+session.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()

	missing, err := http.Get(srv.URL + "/agent/sessions/" + session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("create-get-delete-get should end not-found, got %d", missing.StatusCode)
	}
}

func TestMessageEndpoints(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := t.Context()

	session, _ := s.CreateSession(ctx, store.Session{})
	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 4; i++ {
		msg, _ := s.AppendMessage(ctx, store.Message{
			SessionID: session.ID, Role: "user",
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		ids = append(ids, msg.ID)
	}

	resp, err := http.Get(srv.URL + "/agent/sessions/" + session.ID + "/messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var listing struct {
		Messages []store.Message `json:"messages"`
		Total    int             `json:"total"`
	}
	decodeBody(t, resp, &listing)
	if listing.Total != 4 || listing.Messages[0].Content != "m0" {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	req, _ := http.NewRequest(http.MethodDelete,
		srv.URL+"/agent/sessions/"+session.ID+"/messages/"+ids[1]+"?include_following=true", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	var deleted struct {
		Deleted int `json:"deleted"`
	}
	decodeBody(t, delResp, &deleted)
	if deleted.Deleted != 3 {
		t.Fatalf("expected cascade of 3, got %d", deleted.Deleted)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/agent/sessions/"+session.ID+"/messages", nil)
	clearResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	clearResp.Body.Close()
	remaining, _ := s.ListMessages(ctx, session.ID, 0)
	if len(remaining) != 0 {
		t.Fatalf("clear left %d messages", len(remaining))
	}
}

func TestMemoryEndpoints(t *testing.T) {
	srv, s := newTestServer(t)
	session, _ := s.CreateSession(t.Context(), store.Session{})

	resp := postJSON(t, srv.URL+"/agent/sessions/"+session.ID+"/memories",
		map[string]any{"key": "name", "value": "Ada", "category": "fact"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := http.Get(srv.URL + "/agent/sessions/" + session.ID + "/memories/name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var memory store.Memory
	decodeBody(t, getResp, &memory)
	if memory.Value != "Ada" || memory.Category != "fact" {
		t.Fatalf("unexpected memory: %+v", memory)
	}

	listResp, err := http.Get(srv.URL + "/agent/sessions/" + session.ID + "/memories")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listing struct {
		Total int `json:"total"`
	}
	decodeBody(t, listResp, &listing)
	if listing.Total != 1 {
		t.Fatalf("unexpected total: %d", listing.Total)
	}
}

func TestSkillEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/agent/skills")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listing struct {
		Skills []skillSummary `json:"skills"`
		Total  int            `json:"total"`
	}
	decodeBody(t, resp, &listing)
	if listing.Total != 1 || listing.Skills[0].Name != "websearch_service" {
		t.Fatalf("unexpected skills: %+v", listing)
	}

	detailResp, err := http.Get(srv.URL + "/agent/skills/websearch_service")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	var detail map[string]any
	decodeBody(t, detailResp, &detail)
	if detail["description"] != "search the web" {
		t.Fatalf("unexpected detail: %v", detail)
	}

	refreshResp := postJSON(t, srv.URL+"/agent/skills/refresh", map[string]any{})
	var refreshed map[string]any
	decodeBody(t, refreshResp, &refreshed)
	if refreshed["status"] != "refreshed" {
		t.Fatalf("refresh failed: %v", refreshed)
	}

	missing, err := http.Get(srv.URL + "/agent/skills/nope")
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown skill should 404, got %d", missing.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/agent/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status map[string]any
	decodeBody(t, resp, &status)
	if status["status"] != "healthy" {
		t.Fatalf("unexpected status: %v", status)
	}
}

func TestCompletionsRejectsEmptyMessage(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/agent/completions", map[string]any{"message": " "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
