package extraction

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/platform/blobstore"
)

const (
	MethodAI    = "ai"
	MethodRegex = "regex"
)

// ExtractedResult is one lab value read from a document.
type ExtractedResult struct {
	TestName     string
	Value        *float64
	RawValue     string
	Unit         string
	ReferenceMin *float64
	ReferenceMax *float64
	IsCritical   bool
	TestDate     time.Time
	Confidence   float64
	Method       string
}

// Extractor turns a stored document into lab values.
type Extractor interface {
	Extract(ctx context.Context, doc *documents.Document) ([]ExtractedResult, error)
}

func ptr(v float64) *float64 { return &v }

// SampleExtractor returns a fixed panel dated today. It stands in for OCR and
// model-based extraction.
type SampleExtractor struct {
	Now func() time.Time
}

func (e SampleExtractor) Extract(_ context.Context, _ *documents.Document) ([]ExtractedResult, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	y, m, d := now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	sample := func(name string, value, min, max float64) ExtractedResult {
		return ExtractedResult{
			TestName:     name,
			Value:        ptr(value),
			RawValue:     strconv.FormatFloat(value, 'f', -1, 64),
			Unit:         "mg/dL",
			ReferenceMin: ptr(min),
			ReferenceMax: ptr(max),
			TestDate:     today,
			Confidence:   0.95,
			Method:       MethodAI,
		}
	}
	return []ExtractedResult{
		sample("Glucosa", 95, 70, 100),
		sample("Creatinina", 1.1, 0.6, 1.2),
		sample("Colesterol Total", 180, 0, 200),
	}, nil
}

// maxTextDocument bounds how much of a text document is scanned.
const maxTextDocument = 1 << 20

var (
	// "Glucosa: 95 mg/dL (70-100)", range and unit optional.
	resultLine = regexp.MustCompile(`^\s*([^:]+?)\s*:\s*([-+]?\d+(?:[.,]\d+)?)\s*([^\s(]*)\s*(?:\(\s*([-+]?\d+(?:[.,]\d+)?)\s*-\s*([-+]?\d+(?:[.,]\d+)?)\s*\))?\s*$`)
	// "Fecha: 2024-03-01" or "Date: 2024-03-01"
	dateLine = regexp.MustCompile(`(?i)^\s*(?:fecha|date)\s*:\s*(\d{4}-\d{2}-\d{2})\s*$`)
)

// headerKeys are report header fields that look like "Key: number" but are
// not measurements.
var headerKeys = map[string]bool{
	"paciente": true, "patient": true, "nombre": true, "name": true,
	"edad": true, "age": true, "sexo": true, "sex": true,
	"dni": true, "id": true, "mrn": true, "historia": true, "expediente": true,
	"orden": true, "order": true, "muestra": true, "sample": true,
	"telefono": true, "teléfono": true, "phone": true,
	"pagina": true, "página": true, "page": true, "folio": true,
}

func isHeaderKey(name string) bool {
	return headerKeys[strings.ToLower(strings.TrimSpace(name))]
}

// newResult builds a regex-method result from the text of one row. ok is
// false when the row is not a measurement.
func newResult(name, raw, unit, lo, hi string, date time.Time) (ExtractedResult, bool) {
	name = strings.TrimSpace(name)
	if name == "" || isHeaderKey(name) {
		return ExtractedResult{}, false
	}
	value, err := parseNumber(strings.TrimSpace(raw))
	if err != nil {
		return ExtractedResult{}, false
	}
	res := ExtractedResult{
		TestName:   name,
		Value:      ptr(value),
		RawValue:   strings.TrimSpace(raw),
		Unit:       strings.TrimSpace(unit),
		TestDate:   date,
		Confidence: 0.8,
		Method:     MethodRegex,
	}
	if lo != "" && hi != "" {
		l, errLo := parseNumber(strings.TrimSpace(lo))
		h, errHi := parseNumber(strings.TrimSpace(hi))
		if errLo == nil && errHi == nil {
			res.ReferenceMin, res.ReferenceMax = ptr(l), ptr(h)
		}
	}
	return res, true
}

// TextExtractor parses text lab reports from the blob store. text/csv
// documents go through ParseCSV, everything else through ParseText.
// Reports carry no criticality flag, so IsCritical is never set here.
type TextExtractor struct {
	Store blobstore.BlobStore
}

func (e TextExtractor) Extract(ctx context.Context, doc *documents.Document) ([]ExtractedResult, error) {
	rc, _, err := e.Store.Open(ctx, doc.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", doc.FilePath, err)
	}
	defer rc.Close()
	r := io.LimitReader(rc, maxTextDocument)
	if baseMimeType(doc) == "text/csv" {
		return ParseCSV(r, doc.CreatedAt)
	}
	return ParseText(r, doc.CreatedAt)
}

// ParseText extracts results from a text report, one
// "Name: value unit (min-max)" per line. A "Date: YYYY-MM-DD" line sets the
// test date of the lines that follow; otherwise defaultDate is used.
func ParseText(r io.Reader, defaultDate time.Time) ([]ExtractedResult, error) {
	y, m, d := defaultDate.UTC().Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	var out []ExtractedResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxTextDocument+1)
	for sc.Scan() {
		line := sc.Text()
		if mm := dateLine.FindStringSubmatch(line); mm != nil {
			if t, err := time.Parse("2006-01-02", mm[1]); err == nil {
				date = t
			}
			continue
		}
		mm := resultLine.FindStringSubmatch(line)
		if mm == nil {
			continue
		}
		if res, ok := newResult(mm[1], mm[2], mm[3], mm[4], mm[5], date); ok {
			out = append(out, res)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan text document: %w", err)
	}
	return out, nil
}

// ParseCSV extracts results from a tabular export with columns
// name, value, unit, min, max, date. Only name and value are required. The
// delimiter is ";" when the first line has more semicolons than commas, so
// comma decimals survive. Rows whose value is not a number, headers
// included, are skipped.
func ParseCSV(r io.Reader, defaultDate time.Time) ([]ExtractedResult, error) {
	y, m, d := defaultDate.UTC().Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv document: %w", err)
	}
	first := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		first = data[:i]
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if bytes.Count(first, []byte(";")) > bytes.Count(first, []byte(",")) {
		cr.Comma = ';'
	}

	col := func(rec []string, i int) string {
		if i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var out []ExtractedResult
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv document: %w", err)
		}
		if len(rec) < 2 {
			continue
		}
		rowDate := date
		if t, err := time.Parse("2006-01-02", strings.TrimSpace(col(rec, 5))); err == nil {
			rowDate = t
		}
		if res, ok := newResult(rec[0], rec[1], col(rec, 2), col(rec, 3), col(rec, 4), rowDate); ok {
			out = append(out, res)
		}
	}
	return out, nil
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}

// MimeRouter picks an extractor by the document's mime type.
type MimeRouter struct {
	routes   map[string]Extractor
	fallback Extractor
}

func NewMimeRouter(fallback Extractor) *MimeRouter {
	return &MimeRouter{routes: make(map[string]Extractor), fallback: fallback}
}

// Handle registers ex for a mime type such as "text/plain". Parameters after
// ";" are ignored when routing.
func (r *MimeRouter) Handle(mimeType string, ex Extractor) *MimeRouter {
	r.routes[strings.ToLower(mimeType)] = ex
	return r
}

func (r *MimeRouter) Extract(ctx context.Context, doc *documents.Document) ([]ExtractedResult, error) {
	if ex, ok := r.routes[baseMimeType(doc)]; ok {
		return ex.Extract(ctx, doc)
	}
	return r.fallback.Extract(ctx, doc)
}

// baseMimeType is the lower-cased mime type without parameters.
func baseMimeType(doc *documents.Document) string {
	mt := strings.ToLower(doc.MimeTypeOrEmpty())
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}
