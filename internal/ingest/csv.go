// Package ingest reads and writes incident spreadsheets exported as CSV.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// ErrNoDistrictColumn means the sheet has no District column, so no row
// could be kept.
var ErrNoDistrictColumn = errors.New("csv has no District column")

// Encoding names accepted by Options.Encoding.
const (
	EncodingAuto        = "auto"
	EncodingUTF8        = "utf-8"
	EncodingISO88591    = "iso-8859-1"
	EncodingWindows1252 = "windows-1252"
)

// Record is one incident row with its optional label.
type Record struct {
	Line     int
	Incident *domain.Incident
	// Target is 1 for a recorded conflict and 0 for a pseudo-absence point.
	Target  int
	Labeled bool
}

// RowError reports a row that was skipped.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e RowError) Unwrap() error { return e.Err }

// Result is the outcome of reading a sheet.
type Result struct {
	Records []Record
	// Dropped counts rows without a district.
	Dropped int
	// Errors lists rows that could not be parsed.
	Errors   []RowError
	Encoding string
}

// Options configures Read.
type Options struct {
	// Encoding is one of the Encoding constants. Auto tries UTF-8 and falls
	// back to Windows-1252, which covers ISO-8859-1 plus smart quotes.
	Encoding string
	TenantID string
	// DefaultSpecies fills rows with an empty Animal column.
	DefaultSpecies domain.Species
	Now            func() time.Time
}

// column aliases, lower-cased.
var aliases = map[string][]string{
	"id":          {"incident-id", "incident_id", "incident id", "id"},
	"date":        {"date(dd/mm/yr)", "date", "incident date"},
	"species":     {"animal", "species"},
	"demographic": {"demographic"},
	"season":      {"season"},
	"village":     {"village"},
	"district":    {"district"},
	"state":       {"state"},
	"lat":         {"lat", "latitude"},
	"lon":         {"lon", "lng", "longitude"},
	"outcome":     {"victim outcome", "victim_outcome"},
	"details":     {"incident details", "details"},
	"target":      {"target"},
}

// Read parses an incident sheet. Rows without a district are dropped and
// counted; malformed rows are reported in Result.Errors.
func Read(r io.Reader, opts Options) (*Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	text, enc, err := decode(raw, opts.Encoding)
	if err != nil {
		return nil, err
	}

	if opts.DefaultSpecies == "" {
		opts.DefaultSpecies = domain.SpeciesSlothBear
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cr := csv.NewReader(strings.NewReader(text))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Result{Encoding: enc}, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := indexColumns(header)
	if _, ok := cols.fields["district"]; !ok {
		return nil, ErrNoDistrictColumn
	}

	res := &Result{Encoding: enc}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Errors = append(res.Errors, RowError{Line: perr.Line, Err: err})
				continue
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if blank(row) {
			continue
		}

		rec, err := cols.record(row, opts)
		switch {
		case errors.Is(err, errNoDistrict):
			res.Dropped++
		case err != nil:
			res.Errors = append(res.Errors, RowError{Line: line, Err: err})
		default:
			rec.Line = line
			res.Records = append(res.Records, rec)
		}
	}
	return res, nil
}

var errNoDistrict = errors.New("no district")

type columns struct {
	fields     map[string]int
	covariates map[domain.Covariate]int
}

func indexColumns(header []string) columns {
	cols := columns{fields: map[string]int{}, covariates: map[domain.Covariate]int{}}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		for field, names := range aliases {
			for _, name := range names {
				if key == name {
					if _, dup := cols.fields[field]; !dup {
						cols.fields[field] = i
					}
				}
			}
		}
		for _, cov := range domain.AllCovariates {
			if key == string(cov) {
				cols.covariates[cov] = i
			}
		}
	}
	return cols
}

func (c columns) get(row []string, field string) string {
	i, ok := c.fields[field]
	if !ok || i >= len(row) {
		return ""
	}
	v := strings.TrimSpace(row[i])
	if strings.EqualFold(v, "nan") {
		return ""
	}
	return v
}

func (c columns) record(row []string, opts Options) (Record, error) {
	district := c.get(row, "district")
	if district == "" {
		return Record{}, errNoDistrict
	}

	req := domain.IncidentRequest{
		ID:            c.get(row, "id"),
		Species:       c.get(row, "species"),
		Demographic:   c.get(row, "demographic"),
		Season:        c.get(row, "season"),
		Village:       c.get(row, "village"),
		District:      district,
		State:         c.get(row, "state"),
		Date:          c.get(row, "date"),
		VictimOutcome: c.get(row, "outcome"),
		Details:       c.get(row, "details"),
	}
	if req.Species == "" {
		req.Species = string(opts.DefaultSpecies)
	}

	var err error
	if req.Lat, err = parseOptionalFloat(c.get(row, "lat")); err != nil {
		return Record{}, fmt.Errorf("lat: %w", err)
	}
	if req.Lon, err = parseOptionalFloat(c.get(row, "lon")); err != nil {
		return Record{}, fmt.Errorf("lon: %w", err)
	}

	for cov, i := range c.covariates {
		if i >= len(row) || strings.TrimSpace(row[i]) == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
		if err != nil {
			return Record{}, fmt.Errorf("%s: %w", cov, err)
		}
		if req.Covariates == nil {
			req.Covariates = map[string]float64{}
		}
		req.Covariates[string(cov)] = v
	}

	inc, err := req.ToIncident(opts.TenantID, opts.Now())
	if err != nil {
		return Record{}, err
	}

	rec := Record{Incident: inc}
	if t := c.get(row, "target"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return Record{}, fmt.Errorf("target: %w", err)
		}
		rec.Target = int(v)
		rec.Labeled = true
	}
	return rec, nil
}

func parseOptionalFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decode converts raw bytes to UTF-8 text and names the encoding used.
func decode(raw []byte, name string) (string, string, error) {
	var dec *encoding.Decoder
	switch strings.ToLower(name) {
	case "", EncodingAuto:
		if utf8.Valid(raw) {
			return string(bytes.TrimPrefix(raw, utf8BOM)), EncodingUTF8, nil
		}
		dec, name = charmap.Windows1252.NewDecoder(), EncodingWindows1252
	case EncodingUTF8, "utf8":
		if !utf8.Valid(raw) {
			return "", "", fmt.Errorf("decode csv: input is not valid UTF-8")
		}
		return string(bytes.TrimPrefix(raw, utf8BOM)), EncodingUTF8, nil
	case EncodingISO88591, "latin1":
		dec, name = charmap.ISO8859_1.NewDecoder(), EncodingISO88591
	case EncodingWindows1252, "cp1252":
		dec, name = charmap.Windows1252.NewDecoder(), EncodingWindows1252
	default:
		return "", "", fmt.Errorf("decode csv: unsupported encoding %q", name)
	}

	out, err := dec.Bytes(raw)
	if err != nil {
		return "", "", fmt.Errorf("decode csv as %s: %w", name, err)
	}
	return string(out), name, nil
}
