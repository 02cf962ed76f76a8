package stage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FSPublisher publishes rendered documents into a static site tree on local
// disk and can regenerate the site index. It implements both Publisher and
// SiteBuilder.
type FSPublisher struct {
	Root string
	Now  func() time.Time
}

var (
	_ Publisher   = (*FSPublisher)(nil)
	_ SiteBuilder = (*FSPublisher)(nil)
)

// NewFSPublisher creates the publisher, making the site root if needed.
func NewFSPublisher(root string) (*FSPublisher, error) {
	if root == "" {
		return nil, fmt.Errorf("stage: site root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("stage: create site root: %w", err)
	}
	return &FSPublisher{Root: root, Now: time.Now}, nil
}

// Publish writes the document into the site tree. Republishing the same path
// replaces the document.
func (p *FSPublisher) Publish(_ context.Context, doc MarkdownDoc) error {
	if doc.Path == "" {
		return Validationf("document for item %s has no path", doc.ItemID)
	}
	dst := filepath.Join(p.Root, filepath.FromSlash(doc.Path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Transientf(err, "create site dir for %s", doc.Path)
	}
	if err := os.WriteFile(dst, []byte(doc.Content), 0o644); err != nil {
		return Transientf(err, "write %s", doc.Path)
	}
	return nil
}

// BuildSite regenerates index.md listing every published document, newest
// path first. Lexically descending works because paths embed the date.
func (p *FSPublisher) BuildSite(_ context.Context) error {
	var docs []string
	err := filepath.WalkDir(p.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") || d.Name() == "index.md" {
			return nil
		}
		rel, err := filepath.Rel(p.Root, path)
		if err != nil {
			return err
		}
		docs = append(docs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return Transientf(err, "walk site tree")
	}
	sort.Sort(sort.Reverse(sort.StringSlice(docs)))

	var b strings.Builder
	b.WriteString("# Index\n\n")
	fmt.Fprintf(&b, "Generated %s\n\n", p.Now().UTC().Format(time.RFC3339))
	for _, d := range docs {
		fmt.Fprintf(&b, "- [%s](%s)\n", d, d)
	}
	if err := os.WriteFile(filepath.Join(p.Root, "index.md"), []byte(b.String()), 0o644); err != nil {
		return Transientf(err, "write index.md")
	}
	return nil
}
