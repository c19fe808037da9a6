package search_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/internal/latency"
	embmock "github.com/MrWong99/voxbench/pkg/provider/embeddings/mock"
	"github.com/MrWong99/voxbench/pkg/store"
	storemock "github.com/MrWong99/voxbench/pkg/store/mock"
	"github.com/MrWong99/voxbench/pkg/store/search"
	"github.com/MrWong99/voxbench/pkg/voice"
)

func TestNew_NeedsIndex(t *testing.T) {
	t.Parallel()
	if _, err := search.New(&storemock.Store{}, &embmock.Provider{}); err == nil {
		t.Error("expected error for a store without an index")
	}
	if _, err := search.New(store.NewMemStore(), nil); err == nil {
		t.Error("expected error for nil provider")
	}
}

func TestDocument(t *testing.T) {
	t.Parallel()
	tests := []struct {
		turn voice.Turn
		want string
	}{
		{voice.Turn{InputTranscript: "hi", ResponseText: "hello"}, "user: hi\nagent: hello"},
		{voice.Turn{InputTranscript: " hi "}, "user: hi"},
		{voice.Turn{ResponseText: "welcome"}, "agent: welcome"},
		{voice.Turn{}, ""},
	}
	for _, tt := range tests {
		if got := search.Document(tt.turn); got != tt.want {
			t.Errorf("Document(%+v) = %q, want %q", tt.turn, got, tt.want)
		}
	}
}

func TestStore_IndexAndSearch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	emb := &embmock.Provider{
		Dims: 2,
		Vectors: map[string][]float32{
			"user: book a table\nagent: for how many?": {1, 0},
			"user: what's the weather\nagent: sunny":   {0, 1},
			"restaurant reservation":                   {0.9, 0.1},
		},
	}
	mem := store.NewMemStore()
	s, err := search.New(mem, emb)
	if err != nil {
		t.Fatal(err)
	}

	turns := []voice.Turn{
		{Seq: 1, InputTranscript: "book a table", ResponseText: "for how many?"},
		{Seq: 2, InputTranscript: "what's the weather", ResponseText: "sunny"},
		{Seq: 3}, // empty: stored, not indexed
	}
	for _, tt := range turns {
		if err := s.PersistTurn(ctx, "s1", tt); err != nil {
			t.Fatalf("PersistTurn: %v", err)
		}
	}
	if got := len(emb.Calls()); got != 2 {
		t.Errorf("embed calls = %d, want 2", got)
	}
	_ = s.PersistSession(ctx, voice.Session{ID: "s1", Mode: voice.ModeCascade, StartedAt: time.Now()}, latency.SessionStats{})

	rec, err := mem.GetSession(ctx, "s1")
	if err != nil || len(rec.Turns) != 3 {
		t.Fatalf("stored turns: %v, %v", rec, err)
	}

	hits, err := s.Search(ctx, "restaurant reservation", store.Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Turn.Seq != 1 {
		t.Errorf("hits = %+v, want turn 1", hits)
	}

	if _, err := s.Search(ctx, "  ", store.Filter{}); !errors.Is(err, search.ErrEmptyQuery) {
		t.Errorf("blank query: got %v", err)
	}
}

func TestStore_EmbedFailureKeepsRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := store.NewMemStore()
	s, _ := search.New(mem, &embmock.Provider{Err: errors.New("quota exceeded")})

	err := s.PersistTurn(ctx, "s1", voice.Turn{Seq: 1, InputTranscript: "hello"})
	if err == nil {
		t.Fatal("expected indexing error")
	}
	_ = mem.PersistSession(ctx, voice.Session{ID: "s1"}, latency.SessionStats{})
	rec, err := mem.GetSession(ctx, "s1")
	if err != nil || len(rec.Turns) != 1 {
		t.Errorf("turn row missing after embed failure: %v, %v", rec, err)
	}
}

func TestStore_PersistFailureSkipsEmbedding(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{Dims: 2}
	base := &indexingMock{Store: &storemock.Store{PersistTurnErr: errors.New("db down")}}
	s, err := search.New(base, emb)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PersistTurn(context.Background(), "s1", voice.Turn{Seq: 1, InputTranscript: "x"}); err == nil {
		t.Fatal("expected persist error")
	}
	if len(emb.Calls()) != 0 {
		t.Error("embedded a turn whose row was not written")
	}
}

// indexingMock adds a no-op index to the store mock.
type indexingMock struct {
	*storemock.Store
}

func (indexingMock) IndexTurn(context.Context, string, int, []float32) error { return nil }

func (indexingMock) SearchTurns(context.Context, []float32, store.Filter) ([]store.TurnHit, error) {
	return nil, nil
}
