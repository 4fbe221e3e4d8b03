// Package loader turns an uploaded lab-results file into the canonical text
// that is embedded in prompts.
package loader

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"lab-assistant/pkg"
)

// DefaultMaxBytes bounds an upload when the caller does not set a limit.
const DefaultMaxBytes int64 = 5 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options controls how an upload is read.
type Options struct {
	// Comma is the input delimiter for table uploads.  Zero means ','.
	Comma rune
	// MaxBytes bounds the upload size.  Zero means DefaultMaxBytes.
	MaxBytes int64
	Filename string
}

// Result is a successfully normalised upload.
type Result struct {
	Record pkg.PatientRecord
	// Table is nil for plain-text uploads.
	Table *pkg.Table
}

// Load reads r according to kind.  On error nothing is returned and the
// caller must leave its session untouched.
func Load(r io.Reader, kind pkg.ContentKind, opts Options) (*Result, error) {
	limit := opts.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, &pkg.UploadTooLargeError{Limit: limit}
	}
	if err := validUTF8(data); err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	switch kind {
	case pkg.KindTable:
		comma := opts.Comma
		if comma == 0 {
			comma = ','
		}
		table, err := ParseTable(data, comma)
		if err != nil {
			return nil, err
		}
		text, err := Canonical(table)
		if err != nil {
			return nil, err
		}
		return &Result{
			Record: pkg.PatientRecord{Kind: pkg.KindTable, Filename: opts.Filename, Text: text},
			Table:  table,
		}, nil
	case pkg.KindText:
		return &Result{
			Record: pkg.PatientRecord{Kind: pkg.KindText, Filename: opts.Filename, Text: string(data)},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown content kind %q", pkg.ErrInvalidInput, kind)
	}
}

// ParseTable parses delimited data.  Every row must have as many fields as
// the header.
func ParseTable(data []byte, comma rune) (*pkg.Table, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = comma
	cr.FieldsPerRecord = 0
	records, err := cr.ReadAll()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, &pkg.ParseError{Line: perr.Line, Message: perr.Err.Error(), Err: err}
		}
		return nil, &pkg.ParseError{Message: err.Error(), Err: err}
	}
	if len(records) == 0 {
		return nil, &pkg.ParseError{Message: "table is empty"}
	}
	header := records[0]
	if len(header) == 1 && strings.TrimSpace(header[0]) == "" {
		return nil, &pkg.ParseError{Line: 1, Message: "header row is empty"}
	}
	return &pkg.Table{Header: header, Rows: records[1:]}, nil
}

// Canonical renders a table as comma-delimited text: header first, one line
// per row, quoting only where needed.  A row holding a single empty field
// is written as "" since a blank line would be skipped on re-parse.
func Canonical(t *pkg.Table) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}
	for i, row := range t.Rows {
		if len(row) == 1 && row[0] == "" {
			w.Flush()
			buf.WriteString("\"\"\n")
			continue
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write rows: %w", err)
	}
	return buf.String(), nil
}

// TableFromRecord recovers the rows of a table record for display.
func TableFromRecord(r *pkg.PatientRecord) (*pkg.Table, error) {
	if r == nil || r.Kind != pkg.KindTable {
		return nil, nil
	}
	return ParseTable([]byte(r.Text), ',')
}

// KindFromUpload decides how an upload is read.  An explicit declaration
// wins over the filename extension and content type.
func KindFromUpload(filename, contentType, declared string) (pkg.ContentKind, rune, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	comma := ','
	if ext == ".tsv" {
		comma = '\t'
	}
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case string(pkg.KindTable), "csv":
		return pkg.KindTable, comma, nil
	case string(pkg.KindText), "txt", "plain-text":
		return pkg.KindText, comma, nil
	case "":
	default:
		return "", 0, fmt.Errorf("%w: unknown content kind %q", pkg.ErrInvalidInput, declared)
	}
	if ext == ".csv" || ext == ".tsv" {
		return pkg.KindTable, comma, nil
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "text/csv", "application/csv":
			return pkg.KindTable, ',', nil
		case "text/tab-separated-values":
			return pkg.KindTable, '\t', nil
		}
	}
	return pkg.KindText, comma, nil
}

func validUTF8(data []byte) error {
	if utf8.Valid(data) {
		return nil
	}
	offset := 0
	for offset < len(data) {
		r, size := utf8.DecodeRune(data[offset:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		offset += size
	}
	return &pkg.DecodeError{Offset: offset, Message: "upload is not valid UTF-8"}
}
