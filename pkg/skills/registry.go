package skills

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/atrium-ai/atrium/pkg/errors"
)

// Snapshot is an immutable view of the registry at one build. Readers
// hold a snapshot for the duration of a request; refresh never mutates
// a published snapshot.
type Snapshot struct {
	byName  map[string]*Manifest
	names   []string // sorted
	Root    string
	BuiltAt time.Time
}

// Get returns the manifest for name or a not-found error.
func (s *Snapshot) Get(name string) (*Manifest, error) {
	manifest, ok := s.byName[name]
	if !ok {
		return nil, errors.New(errors.CodeSkillNotFound,
			fmt.Sprintf("skill %q is not registered", name), nil).
			WithContext("skill", name)
	}
	return manifest, nil
}

// List returns all manifests in name-sorted order. The order is stable
// across calls on the same snapshot.
func (s *Snapshot) List() []*Manifest {
	out := make([]*Manifest, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.byName[name])
	}
	return out
}

// Len returns the number of registered manifests.
func (s *Snapshot) Len() int { return len(s.names) }

// SummarizeForPrompt renders the catalog of executable skills for the
// system prompt. Each executable skill gets exactly one entry.
// Documentation-only manifests get no top-level entry: one is nested
// under every executable entry whose related_tools names it, and one
// that no executable skill names does not appear.
func (s *Snapshot) SummarizeForPrompt() string {
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	empty := true
	for _, name := range s.names {
		manifest := s.byName[name]
		if !manifest.Executable {
			continue
		}
		empty = false
		b.WriteString("  <skill>\n")
		fmt.Fprintf(&b, "    <name>%s</name>\n", manifest.Name)
		fmt.Fprintf(&b, "    <description>%s</description>\n", manifest.Description)
		if body := strings.TrimSpace(manifest.Body); body != "" {
			fmt.Fprintf(&b, "    <usage>\n%s\n    </usage>\n", body)
		}
		for _, related := range manifest.RelatedTools {
			doc, ok := s.byName[related]
			if !ok || doc.Executable {
				continue
			}
			b.WriteString("    <related_tool>\n")
			fmt.Fprintf(&b, "      <name>%s</name>\n", doc.Name)
			fmt.Fprintf(&b, "      <description>%s</description>\n", doc.Description)
			if body := strings.TrimSpace(doc.Body); body != "" {
				fmt.Fprintf(&b, "      <notes>\n%s\n      </notes>\n", body)
			}
			b.WriteString("    </related_tool>\n")
		}
		b.WriteString("  </skill>\n")
	}
	if empty {
		return "<available_skills>No skills available</available_skills>"
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// Build walks root recursively, parses every SKILL.md, and collects the
// results into a snapshot. A duplicate skill name fails the whole build;
// a manifest that fails to parse is logged and excluded.
func Build(root string, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]*Manifest)
	paths := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ManifestFilename {
			return nil
		}
		manifest, perr := LoadManifest(path)
		if perr != nil {
			logger.Warn("skipping unparseable manifest",
				slog.String("path", path),
				slog.String("error", perr.Error()),
			)
			return nil
		}
		if prev, ok := paths[manifest.Name]; ok {
			return errors.New(errors.CodeRegistryBuild,
				fmt.Sprintf("duplicate skill name %q in %s and %s", manifest.Name, prev, path), nil).
				WithContext("skill", manifest.Name)
		}
		byName[manifest.Name] = manifest
		paths[manifest.Name] = path
		return nil
	})
	if err != nil {
		if _, ok := err.(*errors.AtriumError); ok {
			return nil, err
		}
		return nil, errors.New(errors.CodeRegistryBuild, "registry walk failed", err).
			WithContext("root", root)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Snapshot{
		byName:  byName,
		names:   names,
		Root:    root,
		BuiltAt: time.Now().UTC(),
	}, nil
}

// Registry holds the current snapshot. It is the only process-wide
// mutable piece of skill state: a single-writer, many-readers cell.
type Registry struct {
	root    string
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// NewRegistry builds the initial snapshot for root.
func NewRegistry(root string, logger *slog.Logger) (*Registry, error) {
	snapshot, err := Build(root, logger)
	if err != nil {
		return nil, err
	}
	r := &Registry{root: root, logger: logger}
	r.current.Store(snapshot)
	return r, nil
}

// Snapshot returns the current snapshot. Callers keep the returned
// pointer for the lifetime of one request.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Refresh builds a new snapshot and atomically replaces the current
// one. On build failure the prior snapshot is kept and the error is
// returned to the caller.
func (r *Registry) Refresh() (*Snapshot, error) {
	snapshot, err := Build(r.root, r.logger)
	if err != nil {
		return nil, err
	}
	r.current.Store(snapshot)
	return snapshot, nil
}
