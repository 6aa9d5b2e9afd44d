package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

func date(s string) *time.Time {
	t, _ := time.Parse(model.DateLayout, s)
	return &t
}

func sampleRecords() []model.Instrument {
	return []model.Instrument{
		{ID: "111", Symbol: "TCS", Exchange: "NSE", Segment: model.SegmentNSEEq, LotSize: 1, Raw: map[string]string{"SEM_SEGMENT": "E"}},
		{ID: "222", Symbol: "BANKNIFTY-Dec2025-46000-CE", Segment: model.SegmentNSEFNO, Expiry: date("2025-12-25"), LotSize: 25},
		{ID: "333", Symbol: "TCS_PARTLY", Segment: model.SegmentBSEEq, LotSize: 1},
		{ID: "444", Symbol: "TCSX", Segment: model.SegmentUnknown, LotSize: 1},
	}
}

func writeStore(t *testing.T, path string) Meta {
	t.Helper()
	meta := Meta{
		BuildDate: "2025-12-01",
		BuildID:   "b-1",
		BuiltAt:   time.Date(2025, 12, 1, 2, 30, 0, 0, time.UTC),
		Source:    "test",
	}

	w, err := Create(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), sampleRecords(), meta))
	require.NoError(t, w.Close())
	return meta
}

func TestCreateWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.db")
	writeStore(t, path)

	ctx := context.Background()
	r, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	meta, err := r.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2025-12-01", meta.BuildDate)
	assert.Equal(t, "b-1", meta.BuildID)
	assert.Equal(t, 4, meta.Rows)
	assert.Equal(t, "test", meta.Source)
	assert.True(t, meta.BuiltAt.Equal(time.Date(2025, 12, 1, 2, 30, 0, 0, time.UTC)))

	all, err := r.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "TCS", all[0].Symbol)
	assert.Equal(t, "E", all[0].Raw["SEM_SEGMENT"])
	assert.Equal(t, "2025-12-25", all[1].ExpiryString())
	assert.Equal(t, 25, all[1].LotSize)
	assert.Nil(t, all[2].Expiry)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	counts, err := r.SegmentCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"NSE_EQ": 1, "NSE_FNO": 1, "BSE_EQ": 1, "": 1}, counts)
}

func TestReader_ByID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.db")
	writeStore(t, path)

	r, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	inst, err := r.ByID(context.Background(), "222")
	require.NoError(t, err)
	assert.Equal(t, "BANKNIFTY-Dec2025-46000-CE", inst.Symbol)

	_, err = r.ByID(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReader_Search(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.db")
	writeStore(t, path)

	ctx := context.Background()
	r, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	got, err := r.Search(ctx, "tcs", model.SegmentUnknown, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"TCS", "TCS_PARTLY", "TCSX"}, symbols(got))

	// unset segments pass any filter
	got, err = r.Search(ctx, "tcs", model.SegmentNSEEq, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"TCS", "TCSX"}, symbols(got))

	// underscore is literal, not a wildcard
	got, err = r.Search(ctx, "S_P", model.SegmentUnknown, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"TCS_PARTLY"}, symbols(got))

	got, err = r.Search(ctx, "tcs", model.SegmentUnknown, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = r.Search(ctx, "  ", model.SegmentUnknown, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreate_ReplacesLeftoverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.db.tmp")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	writeStore(t, path)
	meta, err := ReadMeta(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Rows)
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_A\\B`, escapeLike(`50%_A\B`))
}

func symbols(in []model.Instrument) []string {
	out := make([]string, 0, len(in))
	for _, i := range in {
		out = append(out, i.Symbol)
	}
	return out
}
