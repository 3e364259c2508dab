// Package fskb implements the knowledge base as a directory of markdown files
// with YAML frontmatter, the format the rest of the workshop tooling reads.
// Usage statistics come from a sidecar file maintained by the viewer tooling.
package fskb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/model"
)

// usageFile is the sidecar the viewer tooling maintains at the KB root.
const usageFile = ".usage.json"

type (
	// Store is a filesystem-backed knowledge base rooted at one directory.
	Store struct {
		root string
	}

	usageRecord struct {
		Views     int       `json:"views"`
		Refs      int       `json:"refs"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

// New constructs a Store. The root is created on first write.
func New(root string) *Store {
	return &Store{root: root}
}

// Write renders the entry to <root>/<category>/<slug>.md and returns the
// path relative to the KB root. An existing entry is overwritten.
func (s *Store) Write(ctx context.Context, category, slug string, frontmatter map[string]any, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if category == "" || slug == "" {
		return "", model.InvalidInputf("knowledge entry needs category and slug")
	}
	rel := filepath.Join(category, slug+".md")
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create category dir: %w", err)
	}

	var b strings.Builder
	if len(frontmatter) > 0 {
		raw, err := yaml.Marshal(frontmatter)
		if err != nil {
			return "", fmt.Errorf("encode frontmatter: %w", err)
		}
		b.WriteString("---\n")
		b.Write(raw)
		b.WriteString("---\n\n")
	}
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	if err := os.WriteFile(abs, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write knowledge entry: %w", err)
	}
	return rel, nil
}

// Exists reports whether an entry is present.
func (s *Store) Exists(ctx context.Context, category, slug string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.root, category, slug+".md"))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat knowledge entry: %w", err)
	}
	return true, nil
}

// UsageStats reads the sidecar counters for one entry. Entries last touched
// before since, and entries with no counters at all, report zero usage.
func (s *Store) UsageStats(ctx context.Context, path string, since time.Time) (capability.UsageStats, error) {
	if err := ctx.Err(); err != nil {
		return capability.UsageStats{}, err
	}
	raw, err := os.ReadFile(filepath.Join(s.root, usageFile))
	if errors.Is(err, fs.ErrNotExist) {
		return capability.UsageStats{}, nil
	}
	if err != nil {
		return capability.UsageStats{}, fmt.Errorf("read usage sidecar: %w", err)
	}
	var records map[string]usageRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return capability.UsageStats{}, fmt.Errorf("parse usage sidecar: %w", err)
	}
	rec, ok := records[filepath.ToSlash(path)]
	if !ok || rec.UpdatedAt.Before(since) {
		return capability.UsageStats{}, nil
	}
	return capability.UsageStats{Views: rec.Views, Refs: rec.Refs}, nil
}

var _ capability.KnowledgeStore = (*Store)(nil)
