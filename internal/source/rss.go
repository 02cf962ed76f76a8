package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/stage"
)

// RSS discovers items from an RSS 2.0 feed.
type RSS struct {
	SourceName string
	FeedURL    string
	// Quality is the static quality prior assigned to this feed's items.
	Quality float64

	client *http.Client
	now    func() time.Time
}

var _ Source = (*RSS)(nil)

// NewRSS creates an adapter for feedURL.
func NewRSS(name, feedURL string, quality float64) *RSS {
	return &RSS{
		SourceName: name,
		FeedURL:    feedURL,
		Quality:    quality,
		client:     &http.Client{Timeout: 20 * time.Second},
		now:        time.Now,
	}
}

// Name implements Source.
func (r *RSS) Name() string { return r.SourceName }

type rssFeed struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID        string `xml:"guid"`
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

// Discover implements Source.
func (r *RSS) Discover(ctx context.Context) ([]stage.RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source %s: new request: %w", r.SourceName, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source %s: fetch feed: %w", r.SourceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %s: feed returned %s", r.SourceName, resp.Status)
	}

	var feed rssFeed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("source %s: parse feed: %w", r.SourceName, err)
	}

	fetched := r.now()
	items := make([]stage.RawItem, 0, len(feed.Channel.Items))
	for _, it := range feed.Channel.Items {
		title := strings.TrimSpace(it.Title)
		if title == "" {
			continue
		}
		items = append(items, stage.RawItem{
			ItemID:      itemID(r.SourceName, it),
			Title:       title,
			Source:      r.SourceName,
			URL:         strings.TrimSpace(it.Link),
			Body:        strings.TrimSpace(it.Description),
			Quality:     r.Quality,
			PublishedAt: parsePubDate(it.PubDate),
			FetchedAt:   fetched,
		})
	}
	return items, nil
}

// itemID prefers the feed's GUID; feeds without one get a hash of the link
// and title so the id is stable across fetches.
func itemID(sourceName string, it rssItem) string {
	if guid := strings.TrimSpace(it.GUID); guid != "" {
		sum := sha256.Sum256([]byte(guid))
		return sourceName + "_" + hex.EncodeToString(sum[:8])
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(it.Link) + "\n" + strings.TrimSpace(it.Title)))
	return sourceName + "_" + hex.EncodeToString(sum[:8])
}

func parsePubDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
