package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/atrium-ai/atrium/pkg/sandbox"
	"github.com/atrium-ai/atrium/pkg/skills"
)

func snapshotWith(t *testing.T, manifests map[string]string) *skills.Snapshot {
	t.Helper()
	root := t.TempDir()
	for dir, content := range manifests {
		writeManifest(t, root, dir, content)
	}
	snapshot, err := skills.Build(root, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return snapshot
}

func executorFor(t *testing.T, handler http.HandlerFunc) (*Executor, *[]sandbox.ExecuteRequest) {
	t.Helper()
	var seen []sandbox.ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sandbox.ExecuteRequest
		json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return NewExecutor(sandbox.New(u.Hostname(), port), 5*time.Second, nil), &seen
}

func TestExecutorSynthesizesClientCall(t *testing.T) {
	snapshot := snapshotWith(t, map[string]string{
		"websearch": "---\nname: websearch_service\ndescription: d\nclient_class: WebSearchClient\ndefault_method: search\n---\n",
	})
	executor, seen := executorFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"stdout":"ok","stderr":"","exit_code":0,"duration_ms":3}`)
	})

	obs := executor.Execute(context.Background(), snapshot, Invocation{
		SkillName: "websearch_service",
		Code:      `"golang"`,
	})
	if !obs.Success || obs.Text != "ok" {
		t.Fatalf("unexpected observation: %+v", obs)
	}

	code := (*seen)[0].Code
	for _, want := range []string{
		"from services.websearch_service.client import WebSearchClient",
		"client = WebSearchClient()",
		`result = client.search("golang")`,
	} {
		if !strings.Contains(code, want) {
			t.Fatalf("synthesized code missing %q:\n%s", want, code)
		}
	}
	if !(*seen)[0].TrustedMode {
		t.Fatalf("engine executions must run in trusted mode")
	}
}

func TestExecutorSandboxSkillVerbatim(t *testing.T) {
	snapshot := snapshotWith(t, nil)
	executor, seen := executorFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"stdout":"x","stderr":"","exit_code":0,"duration_ms":1}`)
	})

	executor.Execute(context.Background(), snapshot, Invocation{
		SkillName: SandboxSkillName,
		Code:      "print(1+1)",
	})
	if (*seen)[0].Code != "print(1+1)" {
		t.Fatalf("sandbox skill code must pass through verbatim: %q", (*seen)[0].Code)
	}
}

func TestExecutorVerbatimWithoutClientMetadata(t *testing.T) {
	snapshot := snapshotWith(t, map[string]string{
		"raw": "---\nname: raw_service\ndescription: d\n---\nwrite full python\n",
	})
	executor, seen := executorFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"stdout":"y","stderr":"","exit_code":0,"duration_ms":1}`)
	})

	executor.Execute(context.Background(), snapshot, Invocation{
		SkillName: "raw_service",
		Code:      "import this\nprint('zen')",
	})
	if (*seen)[0].Code != "import this\nprint('zen')" {
		t.Fatalf("manifests without client metadata run code verbatim: %q", (*seen)[0].Code)
	}
}

func TestExecutorUnknownSkill(t *testing.T) {
	snapshot := snapshotWith(t, nil)
	executor, seen := executorFor(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("sandbox must not be called")
	})

	obs := executor.Execute(context.Background(), snapshot, Invocation{SkillName: "mystery", Code: "x"})
	if obs.Success {
		t.Fatalf("expected failure observation")
	}
	if !strings.Contains(obs.Text, "not found") {
		t.Fatalf("observation should say not found: %q", obs.Text)
	}
	if obs.Raw["error"] == nil {
		t.Fatalf("raw payload must carry the error")
	}
	if len(*seen) != 0 {
		t.Fatalf("sandbox touched for unknown skill")
	}
}

func TestExecutorNonExecutableSkill(t *testing.T) {
	snapshot := snapshotWith(t, map[string]string{
		"docs": "---\nname: docs_only\ndescription: d\nexecutable: false\n---\n",
	})
	executor, _ := executorFor(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("sandbox must not be called")
	})

	obs := executor.Execute(context.Background(), snapshot, Invocation{SkillName: "docs_only", Code: "x"})
	if obs.Success || !strings.Contains(obs.Text, "documentation-only") {
		t.Fatalf("unexpected observation: %+v", obs)
	}
}

func TestExecutorExecutionFailureUsesStderr(t *testing.T) {
	snapshot := snapshotWith(t, nil)
	executor, _ := executorFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"stdout":"","stderr":"NameError: boom","exit_code":1,"duration_ms":2}`)
	})

	obs := executor.Execute(context.Background(), snapshot, Invocation{SkillName: SandboxSkillName, Code: "boom"})
	if obs.Success {
		t.Fatalf("expected failure")
	}
	if obs.Text != "NameError: boom" {
		t.Fatalf("stderr should become the observation text: %q", obs.Text)
	}
	if obs.Raw["exit_code"] != 1 {
		t.Fatalf("raw payload incomplete: %v", obs.Raw)
	}
}

func TestExecutorTimeoutObservation(t *testing.T) {
	snapshot := snapshotWith(t, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	executor := NewExecutor(sandbox.New(u.Hostname(), port), 5*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	obs := executor.Execute(ctx, snapshot, Invocation{SkillName: SandboxSkillName, Code: "sleep"})
	if obs.Success {
		t.Fatalf("expected timeout observation")
	}
}
