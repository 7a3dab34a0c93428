// Package dictionary loads data dictionaries (variable name plus free-text
// description per row) from CSV, TSV, Excel and JSON files.
package dictionary

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Default column names.
const (
	DefaultVariableColumn    = "variable"
	DefaultDescriptionColumn = "description"
)

var (
	// ErrMissingColumn is matched by every *MissingColumnError.
	ErrMissingColumn = errors.New("missing required column")

	// ErrUnsupportedFormat is returned for unknown file extensions.
	ErrUnsupportedFormat = errors.New("unsupported data dictionary format")
)

// MissingColumnError names the requested columns absent from the header.
type MissingColumnError struct {
	Columns []string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing required column(s): %s", strings.Join(e.Columns, ", "))
}

func (e *MissingColumnError) Is(target error) bool {
	return target == ErrMissingColumn
}

// Entry is one data dictionary row.
type Entry struct {
	Variable    string `json:"variable"`
	Description string `json:"description"`
}

// Load reads the file at path. The format follows the extension. Rows with a
// blank description are dropped; order is preserved.
func Load(path, variableColumn, descriptionColumn string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data dictionary: %w", err)
	}
	defer f.Close()

	return Parse(f, filepath.Ext(path), variableColumn, descriptionColumn)
}

// Parse reads a data dictionary in the format named by ext (".csv", ".xlsx", ...).
func Parse(r io.Reader, ext, variableColumn, descriptionColumn string) ([]Entry, error) {
	if variableColumn == "" {
		variableColumn = DefaultVariableColumn
	}
	if descriptionColumn == "" {
		descriptionColumn = DefaultDescriptionColumn
	}

	var table [][]string
	var err error
	switch strings.ToLower(ext) {
	case ".csv":
		table, err = readDelimited(r, ',')
	case ".tsv", ".tab":
		table, err = readDelimited(r, '\t')
	case ".xlsx", ".xlsm":
		table, err = readExcel(r)
	case ".json", ".jsonl":
		return readJSON(r, variableColumn, descriptionColumn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}
	return fromTable(table, variableColumn, descriptionColumn)
}

func readDelimited(r io.Reader, comma rune) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dictionary: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse data dictionary: %w", err)
	}
	return rows, nil
}

func readExcel(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

// columnIndex finds name in header, exact match first, then case-insensitive.
func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func fromTable(table [][]string, variableColumn, descriptionColumn string) ([]Entry, error) {
	var header []string
	if len(table) > 0 {
		header = table[0]
	}

	vi := columnIndex(header, variableColumn)
	di := columnIndex(header, descriptionColumn)
	if err := checkColumns(vi >= 0, di >= 0, variableColumn, descriptionColumn); err != nil {
		return nil, err
	}

	cell := func(row []string, i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	entries := []Entry{}
	for _, row := range table[1:] {
		desc := cell(row, di)
		if desc == "" {
			continue
		}
		entries = append(entries, Entry{Variable: cell(row, vi), Description: desc})
	}
	return entries, nil
}

func checkColumns(hasVariable, hasDescription bool, variableColumn, descriptionColumn string) error {
	var missing []string
	if !hasVariable {
		missing = append(missing, variableColumn)
	}
	if !hasDescription {
		missing = append(missing, descriptionColumn)
	}
	if len(missing) > 0 {
		return &MissingColumnError{Columns: missing}
	}
	return nil
}

// readJSON accepts either an array of objects or one object per line.
func readJSON(r io.Reader, variableColumn, descriptionColumn string) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dictionary: %w", err)
	}
	data = bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))

	var records []map[string]any
	if bytes.HasPrefix(data, []byte("[")) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("failed to parse data dictionary: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		for {
			var rec map[string]any
			if err := dec.Decode(&rec); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("failed to parse data dictionary: %w", err)
			}
			records = append(records, rec)
		}
	}

	// Columns are the union of keys, like a dataframe built from records.
	var keys []string
	seen := map[string]bool{}
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	vi := columnIndex(keys, variableColumn)
	di := columnIndex(keys, descriptionColumn)
	if err := checkColumns(vi >= 0, di >= 0, variableColumn, descriptionColumn); err != nil {
		return nil, err
	}
	vKey, dKey := keys[vi], keys[di]

	entries := []Entry{}
	for _, rec := range records {
		desc := jsonString(rec[dKey])
		if desc == "" {
			continue
		}
		entries = append(entries, Entry{Variable: jsonString(rec[vKey]), Description: desc})
	}
	return entries, nil
}

func jsonString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// SaveTemp writes r to a temporary file with the given extension. The
// returned cleanup removes the file and is safe to call more than once.
func SaveTemp(r io.Reader, ext string) (string, func(), error) {
	f, err := os.CreateTemp("", "dictionary-*"+ext)
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("failed to close temp file: %w", err)
	}
	return path, cleanup, nil
}
