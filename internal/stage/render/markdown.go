// Package render turns enriched items into publishable markdown documents
// with YAML front matter.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"gopkg.in/yaml.v3"

	"conveyor/internal/stage"
)

// Markdown renders enriched items. Pure: no I/O, deterministic for a fixed
// clock.
type Markdown struct {
	// SiteSection prefixes document paths, e.g. "posts".
	SiteSection string
	Now         func() time.Time
}

var _ stage.Renderer = (*Markdown)(nil)

// NewMarkdown creates a renderer writing under section.
func NewMarkdown(section string) *Markdown {
	if section == "" {
		section = "posts"
	}
	return &Markdown{SiteSection: section, Now: time.Now}
}

// frontMatter is the YAML header of every rendered document.
type frontMatter struct {
	Title   string   `yaml:"title"`
	ItemID  string   `yaml:"item_id"`
	Source  string   `yaml:"source"`
	URL     string   `yaml:"url,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
	Date    string   `yaml:"date"`
	CostUSD float64  `yaml:"cost_usd,omitempty"`
	Model   string   `yaml:"model,omitempty"`
}

// Render implements stage.Renderer.
func (r *Markdown) Render(item stage.EnrichedItem) stage.MarkdownDoc {
	now := r.Now().UTC()

	fm, _ := yaml.Marshal(frontMatter{
		Title:   item.Title,
		ItemID:  item.ItemID,
		Source:  item.Source,
		URL:     item.URL,
		Tags:    item.Tags,
		Date:    now.Format(time.RFC3339),
		CostUSD: item.CostUSD,
		Model:   item.Model,
	})

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	b.WriteString("# " + item.Title + "\n\n")
	if item.Summary != "" {
		b.WriteString("> " + item.Summary + "\n\n")
	}
	b.WriteString(FormatTables(item.Body))
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}

	content := b.String()
	sum := sha256.Sum256([]byte(content))
	return stage.MarkdownDoc{
		ItemID:   item.ItemID,
		Path:     fmt.Sprintf("%s/%s/%s.md", r.SiteSection, now.Format("2006-01-02"), item.ItemID),
		Content:  content,
		Title:    item.Title,
		Checksum: hex.EncodeToString(sum[:]),
	}
}

// FormatTables realigns markdown pipe tables so every column is padded to its
// widest cell by display width. Non-table lines pass through untouched.
// Model-generated bodies routinely carry ragged tables, which some static
// site generators then mis-parse.
func FormatTables(body string) string {
	lines := strings.Split(body, "\n")
	var out []string
	for i := 0; i < len(lines); i++ {
		if !isTableRow(lines[i]) {
			out = append(out, lines[i])
			continue
		}
		j := i
		for j < len(lines) && isTableRow(lines[j]) {
			j++
		}
		out = append(out, alignTable(lines[i:j])...)
		i = j - 1
	}
	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" || strings.Trim(c, ":-") != "" {
			return false
		}
	}
	return true
}

func splitRow(line string) []string {
	trimmed := strings.Trim(strings.TrimSpace(line), "|")
	cells := strings.Split(trimmed, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func alignTable(rows []string) []string {
	parsed := make([][]string, len(rows))
	colCount := 0
	for i, row := range rows {
		parsed[i] = splitRow(row)
		if len(parsed[i]) > colCount {
			colCount = len(parsed[i])
		}
	}

	widths := make([]int, colCount)
	for _, cells := range parsed {
		if isSeparatorRow(cells) {
			continue
		}
		for i, c := range cells {
			if w := runewidth.StringWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for i := range widths {
		if widths[i] < 3 {
			widths[i] = 3
		}
	}

	out := make([]string, len(rows))
	for r, cells := range parsed {
		var sb strings.Builder
		sb.WriteString("|")
		for c := 0; c < colCount; c++ {
			content := ""
			if c < len(cells) {
				content = cells[c]
			}
			if isSeparatorRow(cells) {
				sb.WriteString(" " + strings.Repeat("-", widths[c]) + " |")
				continue
			}
			pad := widths[c] - runewidth.StringWidth(content)
			sb.WriteString(" " + content + strings.Repeat(" ", pad) + " |")
		}
		out[r] = sb.String()
	}
	return out
}
