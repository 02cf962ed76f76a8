package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFSPublisherPublishAndRebuild(t *testing.T) {
	root := t.TempDir()
	p, err := NewFSPublisher(root)
	require.NoError(t, err)
	p.Now = func() time.Time { return time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, MarkdownDoc{
		ItemID: "a", Path: "posts/2025-10-05/a.md", Content: "# A",
	}))
	require.NoError(t, p.Publish(ctx, MarkdownDoc{
		ItemID: "b", Path: "posts/2025-10-06/b.md", Content: "# B",
	}))
	// republish replaces
	require.NoError(t, p.Publish(ctx, MarkdownDoc{
		ItemID: "a", Path: "posts/2025-10-05/a.md", Content: "# A v2",
	}))

	got, err := os.ReadFile(filepath.Join(root, "posts/2025-10-05/a.md"))
	require.NoError(t, err)
	require.Equal(t, "# A v2", string(got))

	require.NoError(t, p.BuildSite(ctx))
	index, err := os.ReadFile(filepath.Join(root, "index.md"))
	require.NoError(t, err)
	s := string(index)
	require.Contains(t, s, "- [posts/2025-10-06/b.md](posts/2025-10-06/b.md)")
	require.Contains(t, s, "- [posts/2025-10-05/a.md](posts/2025-10-05/a.md)")
	// newest listed first
	require.Less(t,
		strings.Index(s, "posts/2025-10-06/b.md"),
		strings.Index(s, "posts/2025-10-05/a.md"))
}

func TestFSPublisherRejectsEmptyPath(t *testing.T) {
	p, err := NewFSPublisher(t.TempDir())
	require.NoError(t, err)
	err = p.Publish(context.Background(), MarkdownDoc{ItemID: "x"})
	require.True(t, IsValidation(err))
}
