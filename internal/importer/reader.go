package importer

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/models"
	"ecotile-bknd/internal/utils"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format is the record layout of an import file.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatNDJSON Format = "ndjson"
)

// ParseFormat accepts the names used on the command line.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "ndjson", "jsonl", "json":
		return FormatNDJSON, nil
	default:
		return "", fmt.Errorf("unknown import format %q", s)
	}
}

// DetectFormat infers the format from a file name, ignoring a trailing
// compression suffix.
func DetectFormat(name string) (Format, error) {
	base := strings.ToLower(filepath.Base(name))
	base = strings.TrimSuffix(base, ".zst")
	base = strings.TrimSuffix(base, ".gz")
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	if ext == "" {
		return "", fmt.Errorf("cannot infer format of %q", name)
	}
	return ParseFormat(ext)
}

// OpenFile opens path and transparently decompresses .zst and .gz files.
func OpenFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := Decompress(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return rc, nil
}

// Decompress wraps r according to the compression suffix of name. Closing the
// result closes r as well.
func Decompress(r io.ReadCloser, name string) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".zst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return &stackedCloser{Reader: dec, close: func() error { dec.Close(); return r.Close() }}, nil
	case strings.HasSuffix(strings.ToLower(name), ".gz"):
		dec, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return &stackedCloser{Reader: dec, close: func() error {
			_ = dec.Close()
			return r.Close()
		}}, nil
	default:
		return r, nil
	}
}

type stackedCloser struct {
	io.Reader
	close func() error
}

func (s *stackedCloser) Close() error { return s.close() }

// RecordReader yields import records one at a time. Next returns io.EOF at
// the end of input and an apperr MalformedRecord for a record that cannot be
// decoded; reading may continue after a malformed record.
type RecordReader interface {
	Next() (models.TileRecord, error)
}

// NewRecordReader returns a streaming reader for the given format.
func NewRecordReader(r io.Reader, format Format) (RecordReader, error) {
	switch format {
	case FormatCSV:
		return newCSVReader(r), nil
	case FormatNDJSON:
		return newNDJSONReader(r), nil
	default:
		return nil, fmt.Errorf("unknown import format %q", format)
	}
}

// csvReader reads geohash,species_data,total_occurrences,species_count
// [,datetime[,data_source]] rows. species_data is a JSON object. A header row
// starting with "geohash" is skipped.
type csvReader struct {
	r    *csv.Reader
	rows int
}

func newCSVReader(r io.Reader) *csvReader {
	cr := csv.NewReader(bufio.NewReaderSize(r, 1<<16))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.LazyQuotes = true
	return &csvReader{r: cr}
}

func (c *csvReader) Next() (models.TileRecord, error) {
	for {
		row, err := c.r.Read()
		c.rows++
		if err == io.EOF {
			return models.TileRecord{}, io.EOF
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return models.TileRecord{}, apperr.Malformed(pe.Err.Error(), "line", pe.Line)
			}
			return models.TileRecord{}, err
		}
		if c.rows == 1 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "geohash") {
			continue
		}
		line, _ := c.r.FieldPos(0)
		return parseCSVRow(row, line)
	}
}

func parseCSVRow(row []string, line int) (models.TileRecord, error) {
	if len(row) < 2 {
		return models.TileRecord{}, apperr.Malformed("expected at least geohash and species_data columns", "line", line)
	}
	rec := models.TileRecord{Line: line, Geohash: strings.TrimSpace(row[0])}

	if err := json.Unmarshal([]byte(row[1]), &rec.SpeciesData); err != nil {
		return models.TileRecord{}, apperr.Malformed("species_data is not a JSON object of counts", "line", line, "geohash", rec.Geohash)
	}

	var err error
	if len(row) > 2 {
		if rec.TotalOccurrences, err = optionalInt(row[2]); err != nil {
			return models.TileRecord{}, apperr.Malformed("total_occurrences: "+err.Error(), "line", line, "geohash", rec.Geohash)
		}
	}
	if len(row) > 3 {
		if rec.SpeciesCount, err = optionalInt(row[3]); err != nil {
			return models.TileRecord{}, apperr.Malformed("species_count: "+err.Error(), "line", line, "geohash", rec.Geohash)
		}
	}
	if len(row) > 4 && strings.TrimSpace(row[4]) != "" {
		ts, err := utils.ParseTime(row[4])
		if err != nil {
			return models.TileRecord{}, apperr.Malformed("datetime: "+err.Error(), "line", line, "geohash", rec.Geohash)
		}
		rec.Datetime = &ts
	}
	if len(row) > 5 {
		rec.DataSource = strings.TrimSpace(row[5])
	}
	return rec, nil
}

func optionalInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ndjsonReader reads one JSON object per line.
type ndjsonReader struct {
	sc   *bufio.Scanner
	line int
}

type ndjsonRecord struct {
	Geohash          string         `json:"geohash"`
	SpeciesData      map[string]int `json:"species_data"`
	TotalOccurrences *int           `json:"total_occurrences"`
	SpeciesCount     *int           `json:"species_count"`
	Datetime         string         `json:"datetime"`
	DataSource       string         `json:"data_source"`
}

// species_data maps for dense urban cells run well past bufio's 64KiB default.
const maxLineBytes = 16 << 20

func newNDJSONReader(r io.Reader) *ndjsonReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<16), maxLineBytes)
	return &ndjsonReader{sc: sc}
}

func (n *ndjsonReader) Next() (models.TileRecord, error) {
	for n.sc.Scan() {
		n.line++
		raw := strings.TrimSpace(n.sc.Text())
		if raw == "" {
			continue
		}
		var wire ndjsonRecord
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return models.TileRecord{}, apperr.Malformed("invalid JSON record", "line", n.line)
		}
		rec := models.TileRecord{
			Line:             n.line,
			Geohash:          wire.Geohash,
			SpeciesData:      wire.SpeciesData,
			TotalOccurrences: wire.TotalOccurrences,
			SpeciesCount:     wire.SpeciesCount,
			DataSource:       wire.DataSource,
		}
		if wire.Datetime != "" {
			ts, err := utils.ParseTime(wire.Datetime)
			if err != nil {
				return models.TileRecord{}, apperr.Malformed("datetime: "+err.Error(), "line", n.line, "geohash", wire.Geohash)
			}
			rec.Datetime = &ts
		}
		return rec, nil
	}
	if err := n.sc.Err(); err != nil {
		return models.TileRecord{}, err
	}
	return models.TileRecord{}, io.EOF
}
