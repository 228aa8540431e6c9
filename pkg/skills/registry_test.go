package skills

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atrium-ai/atrium/pkg/errors"
)

func writeSkill(t *testing.T, root, dir, content string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(skillDir, ManifestFilename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestBuildDiscoversRecursively(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "websearch", "---\nname: websearch_service\ndescription: search the web\n---\n")
	writeSkill(t, root, "nested/ocr", "---\nname: ocr_service\ndescription: extract text\n---\n")

	snapshot, err := Build(root, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if snapshot.Len() != 2 {
		t.Fatalf("expected 2 skills, got %d", snapshot.Len())
	}

	list := snapshot.List()
	if list[0].Name != "ocr_service" || list[1].Name != "websearch_service" {
		t.Fatalf("list not sorted by name: %s, %s", list[0].Name, list[1].Name)
	}
}

func TestBuildSkipsUnparseable(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "good", "---\nname: good\ndescription: ok\n---\n")
	writeSkill(t, root, "bad", "not a manifest at all")

	snapshot, err := Build(root, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if snapshot.Len() != 1 {
		t.Fatalf("bad manifest should be excluded, got %d skills", snapshot.Len())
	}
}

func TestBuildDuplicateNamesFail(t *testing.T) {
	root := t.TempDir()
	a := writeSkill(t, root, "a", "---\nname: twin\ndescription: first\n---\n")
	b := writeSkill(t, root, "b", "---\nname: twin\ndescription: second\n---\n")

	_, err := Build(root, nil)
	if err == nil {
		t.Fatalf("expected duplicate-name error")
	}
	ae := errors.AsAtriumError(err)
	if ae.Code != errors.CodeRegistryBuild {
		t.Fatalf("unexpected code: %s", ae.Code)
	}
	for _, path := range []string{a, b} {
		if !strings.Contains(err.Error(), path) {
			t.Fatalf("error should name both paths, missing %s: %v", path, err)
		}
	}
}

func TestSnapshotGet(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "echo", "---\nname: echo\ndescription: d\n---\n")
	snapshot, err := Build(root, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if _, err := snapshot.Get("echo"); err != nil {
		t.Fatalf("get: %v", err)
	}
	_, err = snapshot.Get("mystery")
	if errors.AsAtriumError(err).Code != errors.CodeSkillNotFound {
		t.Fatalf("expected not-found code, got %v", err)
	}
}

func TestSummarizeForPrompt(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "websearch", `---
name: websearch_service
description: search the web
related_tools:
  - url_scoring
---
call search()
`)
	writeSkill(t, root, "scoring", "---\nname: url_scoring\ndescription: how results are ranked\nexecutable: false\n---\nranking notes\n")

	snapshot, err := Build(root, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	catalog := snapshot.SummarizeForPrompt()

	if !strings.Contains(catalog, "<name>websearch_service</name>") {
		t.Fatalf("executable skill missing from catalog:\n%s", catalog)
	}
	if !strings.Contains(catalog, "<related_tool>") || !strings.Contains(catalog, "url_scoring") {
		t.Fatalf("related documentation not attached:\n%s", catalog)
	}
	if strings.Contains(catalog, "<skill>\n    <name>url_scoring</name>") {
		t.Fatalf("documentation-only skill should not get a top-level entry:\n%s", catalog)
	}
	if !strings.Contains(catalog, "ranking notes") {
		t.Fatalf("related tool body not reachable:\n%s", catalog)
	}
}

func TestRefreshKeepsPriorSnapshotOnFailure(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "a", "---\nname: alpha\ndescription: d\n---\n")

	registry, err := NewRegistry(root, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	before := registry.Snapshot()

	writeSkill(t, root, "b", "---\nname: alpha\ndescription: duplicate\n---\n")
	if _, err := registry.Refresh(); err == nil {
		t.Fatalf("expected refresh failure")
	}
	if registry.Snapshot() != before {
		t.Fatalf("failed refresh must keep the prior snapshot")
	}
}

func TestRefreshIsAtomicForConcurrentReaders(t *testing.T) {
	root := t.TempDir()
	path := writeSkill(t, root, "a", "---\nname: alpha\ndescription: d\n---\n")

	registry, err := NewRegistry(root, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// A request captures the snapshot, then the manifest is deleted and
	// the registry refreshed. The captured snapshot still sees the
	// skill; a snapshot taken afterwards does not.
	captured := registry.Snapshot()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snapshot := registry.Snapshot()
				switch snapshot.Len() {
				case 0, 1:
				default:
					t.Errorf("mixed snapshot observed: %d skills", snapshot.Len())
				}
			}
		}()
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := registry.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	wg.Wait()

	if _, err := captured.Get("alpha"); err != nil {
		t.Fatalf("captured snapshot lost its skill: %v", err)
	}
	if registry.Snapshot().Len() != 0 {
		t.Fatalf("new snapshot should be empty")
	}
}

func TestWatcherRefreshesOnChange(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "a", "---\nname: alpha\ndescription: d\n---\n")

	registry, err := NewRegistry(root, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	watcher := NewWatcher(registry, 10*time.Millisecond, nil)
	watcher.Start()
	defer watcher.Stop()

	writeSkill(t, root, "b", "---\nname: beta\ndescription: d\n---\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Snapshot().Len() == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher did not pick up the new manifest")
}
