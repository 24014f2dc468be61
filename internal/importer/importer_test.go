package importer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/models"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeUpserter struct {
	batches [][]models.Tile
	failOn  map[int]bool
}

func (f *fakeUpserter) UpsertTiles(_ context.Context, tiles []models.Tile) (int, error) {
	idx := len(f.batches)
	f.batches = append(f.batches, append([]models.Tile(nil), tiles...))
	if f.failOn[idx] {
		return 0, errors.New("connection reset")
	}
	return len(tiles), nil
}

func (f *fakeUpserter) tiles() map[string]models.Tile {
	out := map[string]models.Tile{}
	for _, b := range f.batches {
		for _, t := range b {
			out[t.Geohash] = t
		}
	}
	return out
}

const sampleCSV = `geohash,species_data,total_occurrences,species_count,datetime,data_source
dr5ru6j,"{""A"":15,""B"":3}",18,2,2024-05-01,gbif
dr5ru6k,"{""A"":1}",99,1,,
abc,"{""A"":1}",1,1,,
dr5ru6m,not-json,1,1,,
`

func TestImportCSV(t *testing.T) {
	up := &fakeUpserter{}
	im := New(up, Options{BatchSize: 10, GeohashLength: 7, DataSource: "default"}, zap.NewNop())

	stats, err := im.Import(context.Background(), strings.NewReader(sampleCSV), FormatCSV)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Read)
	assert.Equal(t, 2, stats.Upserted)
	assert.Equal(t, 2, stats.Malformed)
	assert.Equal(t, 1, stats.Mismatched)
	assert.Equal(t, 1, stats.Batches)
	assert.NotEmpty(t, stats.RunID)

	tiles := up.tiles()
	require.Contains(t, tiles, "dr5ru6j")
	tile := tiles["dr5ru6j"]
	assert.Equal(t, 18, tile.TotalOccurrences)
	assert.Equal(t, 2, tile.SpeciesCount)
	require.NotNil(t, tile.Datetime)
	assert.Equal(t, "2024-05-01", tile.Datetime.Format("2006-01-02"))
	require.NotNil(t, tile.DataSource)
	assert.Equal(t, "gbif", *tile.DataSource)

	// supplied total of 99 is discarded
	assert.Equal(t, 1, tiles["dr5ru6k"].TotalOccurrences)
	assert.Equal(t, "default", *tiles["dr5ru6k"].DataSource)
}

func TestImportLogsMismatchWithKindAndLine(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	im := New(&fakeUpserter{}, Options{BatchSize: 10, GeohashLength: 7}, zap.New(core))

	_, err := im.Import(context.Background(), strings.NewReader(sampleCSV), FormatCSV)
	require.NoError(t, err)

	mismatches := logs.FilterMessage("integrity mismatch, persisting recomputed value").All()
	require.Len(t, mismatches, 1)
	fields := mismatches[0].ContextMap()
	assert.Equal(t, string(apperr.KindIntegrityMismatch), fields["kind"])
	assert.Equal(t, "dr5ru6k", fields["geohash"])
	assert.EqualValues(t, 3, fields["line"])
	assert.EqualValues(t, 99, fields["supplied"])
	assert.NotEmpty(t, fields["run_id"])
}

func TestImportBatching(t *testing.T) {
	var buf strings.Builder
	hashes := []string{"dr5ru6j", "dr5ru6k", "dr5ru6m", "dr5ru6n", "dr5ru6p"}
	for _, gh := range hashes {
		buf.WriteString(`{"geohash":"` + gh + `","species_data":{"A":2}}` + "\n")
	}

	up := &fakeUpserter{}
	im := New(up, Options{BatchSize: 2, GeohashLength: 7}, zap.NewNop())

	stats, err := im.Import(context.Background(), strings.NewReader(buf.String()), FormatNDJSON)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Batches)
	require.Len(t, up.batches, 3)
	assert.Len(t, up.batches[0], 2)
	assert.Len(t, up.batches[1], 2)
	assert.Len(t, up.batches[2], 1)
	assert.Equal(t, 5, stats.Upserted)
}

func TestImportFailedBatchDoesNotStopRun(t *testing.T) {
	input := strings.Join([]string{
		`{"geohash":"dr5ru6j","species_data":{"A":1}}`,
		`{"geohash":"dr5ru6k","species_data":{"A":1}}`,
		`{"geohash":"dr5ru6m","species_data":{"A":1}}`,
	}, "\n")

	up := &fakeUpserter{failOn: map[int]bool{0: true}}
	im := New(up, Options{BatchSize: 1, GeohashLength: 7}, zap.NewNop())

	stats, err := im.Import(context.Background(), strings.NewReader(input), FormatNDJSON)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrBatch)
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 1, stats.FailedBatches)
	assert.Equal(t, 2, stats.Upserted)
}

func TestImportStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	up := &fakeUpserter{}
	im := New(up, Options{BatchSize: 1, GeohashLength: 7}, zap.NewNop())
	_, err := im.Import(ctx, strings.NewReader(`{"geohash":"dr5ru6j","species_data":{"A":1}}`), FormatNDJSON)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, up.batches)
}

func TestImportNDJSONMalformedLine(t *testing.T) {
	input := "{\"geohash\":\"dr5ru6j\",\"species_data\":{\"A\":1}}\n{broken\n\n{\"geohash\":\"dr5ru6k\",\"species_data\":{\"B\":-4}}\n"
	up := &fakeUpserter{}
	im := New(up, Options{BatchSize: 100, GeohashLength: 7}, zap.NewNop())

	stats, err := im.Import(context.Background(), strings.NewReader(input), FormatNDJSON)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Read)
	assert.Equal(t, 2, stats.Malformed)
	assert.Equal(t, 1, stats.Upserted)
}

func TestImportFileCompressed(t *testing.T) {
	dir := t.TempDir()
	payload := []byte(`{"geohash":"dr5ru6j","species_data":{"A":15,"B":3}}` + "\n")

	var zbuf bytes.Buffer
	zw, err := zstd.NewWriter(&zbuf)
	require.NoError(t, err)
	_, err = zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	zpath := filepath.Join(dir, "tiles.ndjson.zst")
	require.NoError(t, os.WriteFile(zpath, zbuf.Bytes(), 0o644))

	var gbuf bytes.Buffer
	gw := gzip.NewWriter(&gbuf)
	_, err = gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	gpath := filepath.Join(dir, "tiles.jsonl.gz")
	require.NoError(t, os.WriteFile(gpath, gbuf.Bytes(), 0o644))

	for _, path := range []string{zpath, gpath} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			up := &fakeUpserter{}
			im := New(up, Options{BatchSize: 10, GeohashLength: 7}, zap.NewNop())
			stats, err := im.ImportFile(context.Background(), path, "")
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Upserted)
			assert.Equal(t, 18, up.tiles()["dr5ru6j"].TotalOccurrences)
		})
	}
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"tiles.csv":          FormatCSV,
		"tiles.csv.zst":      FormatCSV,
		"TILES.NDJSON.GZ":    FormatNDJSON,
		"/data/x/tiles.json": FormatNDJSON,
	}
	for name, want := range cases {
		got, err := DetectFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := DetectFormat("tiles.parquet")
	assert.Error(t, err)
	_, err = DetectFormat("tiles")
	assert.Error(t, err)
}

func TestCSVReaderReportsLineNumbers(t *testing.T) {
	rr, err := NewRecordReader(strings.NewReader(sampleCSV), FormatCSV)
	require.NoError(t, err)

	rec, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Line)
	assert.Equal(t, "dr5ru6j", rec.Geohash)
	require.NotNil(t, rec.TotalOccurrences)
	assert.Equal(t, 18, *rec.TotalOccurrences)

	for {
		_, err = rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
	}
}
