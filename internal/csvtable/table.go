// Package csvtable reads uploaded transcript CSVs and writes them back with
// the LeMUR annotation columns appended.
package csvtable

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
)

const (
	ResponseColumn = "lemur_response"
	CountColumn    = "number_occurred"
)

// IDColumns are the accepted identifier column names, in lookup order.
var IDColumns = []string{"transcriptid", "transcript_id"}

var (
	ErrEmptyFile       = errors.New("csv file is empty")
	ErrMissingIDColumn = errors.New("csv must contain a transcriptid or transcript_id column")
	ErrDuplicateColumn = errors.New("csv header contains a duplicate column")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one CSV record. Response, Occurrences and Failed are written by the
// single worker that processes the row.
type Row struct {
	Index       int
	Values      map[string]string
	Response    string
	Occurrences int
	Failed      bool
}

type Table struct {
	Header   []string
	IDColumn string
	Rows     []*Row
}

// TranscriptID returns the row's identifier value.
func (t *Table) TranscriptID(row *Row) string {
	return row.Values[t.IDColumn]
}

func (t *Table) Len() int {
	return len(t.Rows)
}

// Parse reads a header row followed by records. Short records are padded
// with empty values and extra trailing fields are dropped.
func Parse(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	seen := make(map[string]struct{}, len(header))
	for _, name := range header {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, name)
		}
		seen[name] = struct{}{}
	}

	idColumn := ""
	for _, candidate := range IDColumns {
		if _, ok := seen[candidate]; ok {
			idColumn = candidate
			break
		}
	}
	if idColumn == "" {
		return nil, ErrMissingIDColumn
	}

	table := &Table{
		Header:   header,
		IDColumn: idColumn,
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv record %d: %w", len(table.Rows)+1, err)
		}

		values := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				values[name] = record[i]
			} else {
				values[name] = ""
			}
		}

		table.Rows = append(table.Rows, &Row{
			Index:  len(table.Rows),
			Values: values,
		})
	}

	return table, nil
}

// OutputHeader appends the annotation columns to header. Columns the input
// already carries keep their position.
func OutputHeader(header []string, withCount bool) []string {
	out := make([]string, len(header), len(header)+2)
	copy(out, header)

	extra := []string{ResponseColumn}
	if withCount {
		extra = append(extra, CountColumn)
	}

	for _, name := range extra {
		if !slices.Contains(header, name) {
			out = append(out, name)
		}
	}
	return out
}
