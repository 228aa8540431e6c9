// Package skills discovers and manages skill manifests (SKILL.md files).
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFilename is the fixed file name that marks a skill manifest.
const ManifestFilename = "SKILL.md"

// Manifest describes one skill: the parsed header fields plus the
// free-form body with usage instructions.
type Manifest struct {
	Name          string
	Description   string
	ClientClass   string
	DefaultMethod string
	Executable    bool
	RelatedTools  []string
	// Extra preserves unknown header keys verbatim.
	Extra map[string]any
	// Body is the manifest text after the closing delimiter, byte for byte.
	Body string
	Path string
	Dir  string
}

type frontmatter struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	ClientClass   string   `yaml:"client_class"`
	DefaultMethod string   `yaml:"default_method"`
	Executable    *bool    `yaml:"executable"`
	RelatedTools  []string `yaml:"related_tools"`
}

var knownKeys = map[string]bool{
	"name":           true,
	"description":    true,
	"client_class":   true,
	"default_method": true,
	"executable":     true,
	"related_tools":  true,
}

// ParseManifest parses manifest file content. Parsing is pure and
// deterministic; the same content always yields the same record.
func ParseManifest(content string) (*Manifest, error) {
	header, body, err := splitHeader(content)
	if err != nil {
		return nil, err
	}

	var parsed frontmatter
	if err := yaml.Unmarshal([]byte(header), &parsed); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(header), &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	if strings.TrimSpace(parsed.Name) == "" {
		return nil, errors.New("name is required")
	}

	executable := true
	if parsed.Executable != nil {
		executable = *parsed.Executable
	}

	extra := make(map[string]any)
	for key, value := range raw {
		if !knownKeys[key] {
			extra[key] = value
		}
	}

	related := make([]string, 0, len(parsed.RelatedTools))
	for _, tool := range parsed.RelatedTools {
		tool = strings.TrimSpace(tool)
		if tool != "" {
			related = append(related, tool)
		}
	}

	return &Manifest{
		Name:          strings.TrimSpace(parsed.Name),
		Description:   strings.TrimSpace(parsed.Description),
		ClientClass:   strings.TrimSpace(parsed.ClientClass),
		DefaultMethod: strings.TrimSpace(parsed.DefaultMethod),
		Executable:    executable,
		RelatedTools:  related,
		Extra:         extra,
		Body:          body,
	}, nil
}

// LoadManifest reads and parses a manifest file from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(string(data))
	if err != nil {
		return nil, err
	}
	manifest.Path = path
	manifest.Dir = filepath.Dir(path)
	return manifest, nil
}

// splitHeader separates the delimited header block from the body.
// The first non-blank line must be "---"; a second "---" line closes
// the header. The body is everything after the closing delimiter's
// newline, unmodified.
func splitHeader(content string) (header, body string, err error) {
	rest := content
	for {
		line, remainder, found := cutLine(rest)
		if strings.TrimSpace(line) == "" {
			if !found {
				return "", "", errors.New("missing header")
			}
			rest = remainder
			continue
		}
		if strings.TrimRight(line, "\r") != "---" {
			return "", "", errors.New("missing header")
		}
		rest = remainder
		break
	}

	var headerLines []string
	for {
		line, remainder, found := cutLine(rest)
		if strings.TrimRight(line, "\r") == "---" {
			return strings.Join(headerLines, "\n"), remainder, nil
		}
		if !found {
			return "", "", errors.New("unterminated header")
		}
		headerLines = append(headerLines, line)
		rest = remainder
	}
}

func cutLine(s string) (line, rest string, found bool) {
	idx := strings.IndexByte(s, '\n')
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}
