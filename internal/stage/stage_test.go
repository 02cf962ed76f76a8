package stage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conveyor/internal/message"
	logpkg "conveyor/pkg/log"
)

type memStore struct {
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: make(map[string][]byte)} }

func (s *memStore) Get(_ context.Context, locator string) ([]byte, error) {
	b, ok := s.blobs[locator]
	if !ok {
		return nil, errors.New("blob not found: " + locator)
	}
	return b, nil
}

func (s *memStore) Put(_ context.Context, locator string, data []byte) error {
	s.blobs[locator] = data
	return nil
}

type stubEnricher struct {
	out  EnrichedItem
	cost float64
	err  error
}

func (e stubEnricher) Enrich(_ context.Context, item RawItem) (EnrichedItem, float64, error) {
	out := e.out
	if out.ItemID == "" {
		out.ItemID = item.ItemID
	}
	return out, e.cost, e.err
}

func testLogger() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))
}

func TestProcessStageEmitsRender(t *testing.T) {
	store := newMemStore()
	raw, _ := json.Marshal(RawItem{ItemID: "item-1", Title: "T", Source: "rss", Body: "hello"})
	require.NoError(t, store.Put(context.Background(), "collections/2025-10-06/item-1.json", raw))

	s := NewProcessStage(store, stubEnricher{out: EnrichedItem{Summary: "sum"}, cost: 0.002}, testLogger())
	s.Now = func() time.Time { return time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC) }

	res, err := s.Run(context.Background(), message.Message{
		Operation:     message.OpProcess,
		Payload:       map[string]interface{}{"blob_path": "collections/2025-10-06/item-1.json", "item_id": "item-1"},
		CorrelationID: "run_1",
	})
	require.NoError(t, err)
	require.Len(t, res.Emit, 1)
	require.Equal(t, message.OpRender, res.Emit[0].Operation)
	require.Equal(t, "run_1", res.Emit[0].CorrelationID)

	dst, _ := res.Emit[0].Payload["blob_path"].(string)
	require.Equal(t, "enriched/2025-10-06/item-1.json", dst)
	stored, err := store.Get(context.Background(), dst)
	require.NoError(t, err)
	var enriched EnrichedItem
	require.NoError(t, json.Unmarshal(stored, &enriched))
	require.Equal(t, "sum", enriched.Summary)
	require.InDelta(t, 0.002, enriched.CostUSD, 1e-9)
}

func TestProcessStageClassifiesFailures(t *testing.T) {
	store := newMemStore()
	s := NewProcessStage(store, stubEnricher{}, testLogger())

	// missing blob is transient: storage may be catching up
	_, err := s.Run(context.Background(), message.Message{
		Operation: message.OpProcess,
		Payload:   map[string]interface{}{"blob_path": "collections/missing.json"},
	})
	require.True(t, IsTransient(err), "missing blob should be transient, got %v", err)

	// garbage blob can never succeed
	require.NoError(t, store.Put(context.Background(), "collections/bad.json", []byte("{not json")))
	_, err = s.Run(context.Background(), message.Message{
		Operation: message.OpProcess,
		Payload:   map[string]interface{}{"blob_path": "collections/bad.json"},
	})
	require.True(t, IsValidation(err), "garbage blob should be validation, got %v", err)

	// enricher errors pass through with their own class
	raw, _ := json.Marshal(RawItem{ItemID: "item-1", Title: "T", Source: "rss"})
	require.NoError(t, store.Put(context.Background(), "collections/ok.json", raw))
	boom := NewProcessStage(store, stubEnricher{err: Permanentf(errors.New("400"), "rejected")}, testLogger())
	_, err = boom.Run(context.Background(), message.Message{
		Operation: message.OpProcess,
		Payload:   map[string]interface{}{"blob_path": "collections/ok.json"},
	})
	require.True(t, IsPermanent(err))
}

type staticRenderer struct{}

func (staticRenderer) Render(item EnrichedItem) MarkdownDoc {
	return MarkdownDoc{ItemID: item.ItemID, Title: item.Title, Content: "# " + item.Title}
}

func TestRenderStageEmitsPublish(t *testing.T) {
	store := newMemStore()
	enriched, _ := json.Marshal(EnrichedItem{ItemID: "item-1", Title: "Hello"})
	require.NoError(t, store.Put(context.Background(), "enriched/item-1.json", enriched))

	s := NewRenderStage(store, staticRenderer{}, testLogger())
	s.Now = func() time.Time { return time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC) }

	res, err := s.Run(context.Background(), message.Message{
		Operation:     message.OpRender,
		Payload:       map[string]interface{}{"blob_path": "enriched/item-1.json"},
		CorrelationID: "run_1",
	})
	require.NoError(t, err)
	require.Len(t, res.Emit, 1)
	require.Equal(t, message.OpPublish, res.Emit[0].Operation)
	path, _ := res.Emit[0].Payload["blob_path"].(string)
	require.Equal(t, "markdown/2025-10-06/item-1.md", path)
	body, err := store.Get(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "# Hello", string(body))
}

type recordingPublisher struct{ docs []MarkdownDoc }

func (p *recordingPublisher) Publish(_ context.Context, doc MarkdownDoc) error {
	p.docs = append(p.docs, doc)
	return nil
}

func TestPublishStageEmitsSiteRebuild(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), "markdown/item-1.md", []byte("# Hello")))

	pub := &recordingPublisher{}
	s := NewPublishStage(store, pub, testLogger())
	res, err := s.Run(context.Background(), message.Message{
		Operation:     message.OpPublish,
		Payload:       map[string]interface{}{"blob_path": "markdown/item-1.md", "item_id": "item-1", "title": "Hello"},
		CorrelationID: "run_1",
	})
	require.NoError(t, err)
	require.Len(t, pub.docs, 1)
	require.Equal(t, "# Hello", pub.docs[0].Content)
	require.Len(t, res.Emit, 1)
	require.Equal(t, message.OpGenerateSite, res.Emit[0].Operation)
}

func TestRegistryRejectsUnknownOperation(t *testing.T) {
	r := NewRegistry()
	r.Register(message.OpWakeUp, WakeUpStage{})

	_, err := r.Dispatch(context.Background(), message.Message{Operation: message.Operation("mystery")})
	require.True(t, IsValidation(err), "unknown operation must be a validation error, got %v", err)

	// registered op dispatches
	res, err := r.Dispatch(context.Background(), message.Message{Operation: message.OpWakeUp})
	require.NoError(t, err)
	require.Empty(t, res.Emit)
}

func TestTopology(t *testing.T) {
	require.NoError(t, DefaultTopology.Validate())

	q, err := DefaultTopology.QueueFor(message.OpRender)
	require.NoError(t, err)
	require.Equal(t, "render", q)

	incomplete := Topology{message.OpProcess: "process"}
	require.Error(t, incomplete.Validate())
}

func TestErrorClassification(t *testing.T) {
	require.True(t, IsValidation(Validationf("bad")))
	require.True(t, IsPermanent(Permanentf(errors.New("x"), "no")))
	require.True(t, IsTransient(Transientf(errors.New("x"), "retry")))
	require.True(t, IsTransient(errors.New("untagged")), "unclassified errors default to transient")
	require.False(t, IsTransient(nil))
}
