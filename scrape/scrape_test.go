package scrape

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutline/pipeline/metrics"
	"github.com/scoutline/pipeline/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestHashContent_NormalizesWhitespaceAndCase(t *testing.T) {
	a := HashContent("Founders   hate\n\nmanual  bookkeeping")
	b := HashContent("founders hate manual bookkeeping")
	assert.Equal(t, a, b)

	c := HashContent("founders love manual bookkeeping")
	assert.NotEqual(t, a, c)

	assert.Len(t, a, 64, "sha256 hex digest")
}

// staticAdapter returns canned records.
type staticAdapter struct {
	source  string
	records []Record
}

func (a *staticAdapter) Source() string { return a.source }

func (a *staticAdapter) Collect(context.Context) ([]Record, error) {
	return a.records, nil
}

func TestCollector_IngestsAndSoftSkipsDuplicates(t *testing.T) {
	s := openTestStore(t)
	c := NewCollector(s, metrics.Nop{}, nil)
	ctx := context.Background()

	adapter := &staticAdapter{source: "hackernews", records: []Record{
		{URL: "https://example.com/1", Title: "One", Content: "first body"},
		{URL: "https://example.com/2", Title: "Two", Content: "second body"},
		{URL: "https://example.com/2-mirror", Title: "Two again", Content: "second   BODY"},
	}}

	res, err := c.Collect(ctx, adapter)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 1, res.Duplicates, "normalized duplicate content is a soft skip")
	assert.Equal(t, 0, res.Failed)

	var count int64
	require.NoError(t, s.DB().Model(&store.RawSignal{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	// A second pass over the same source ingests nothing new.
	res, err = c.Collect(ctx, adapter)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Ingested)
	assert.Equal(t, 3, res.Duplicates)
}

func TestCollector_RecordMetadataPersisted(t *testing.T) {
	s := openTestStore(t)
	c := NewCollector(s, metrics.Nop{}, nil)

	adapter := &staticAdapter{source: "reddit", records: []Record{
		{URL: "https://example.com/r", Title: "Thread", Content: "body", Metadata: map[string]any{"upvotes": 42}},
	}}

	_, err := c.Collect(context.Background(), adapter)
	require.NoError(t, err)

	signals, err := s.UnprocessedSignals(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "Thread", signals[0].Metadata["title"])
	assert.EqualValues(t, 42, signals[0].Metadata["upvotes"])
}

func TestConverter_ExtractsReadableContent(t *testing.T) {
	conv := NewConverter()

	page := `<!DOCTYPE html><html><head><title>Pricing gripes</title>
<script>alert("x")</script><style>p{color:red}</style></head>
<body><nav>home | about</nav>
<article><h1>Pricing gripes</h1>
<p>Founders repeatedly complain that usage-based pricing makes invoices unpredictable.</p>
<p>Several asked for spend caps and proactive alerts before overages hit.</p></article>
<footer>copyright</footer></body></html>`

	result, err := conv.Convert("https://example.com/post", []byte(page))
	require.NoError(t, err)
	assert.Equal(t, "Pricing gripes", result.Title)
	assert.Contains(t, result.Content, "usage-based pricing")
	assert.NotContains(t, result.Content, "alert(\"x\")", "scripts never reach signal content")
}
