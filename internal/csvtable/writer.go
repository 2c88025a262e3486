package csvtable

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

type WriteOptions struct {
	// WithCount adds the number_occurred column.
	WithCount bool
}

// Write serializes the annotated table in input row order. String fields are
// always quoted and the occurrence count is written bare.
func Write(w io.Writer, table *Table, opts WriteOptions) error {
	header := OutputHeader(table.Header, opts.WithCount)
	bw := bufio.NewWriter(w)

	fields := make([]field, len(header))
	for i, name := range header {
		fields[i] = field{value: name}
	}
	if err := writeRecord(bw, fields); err != nil {
		return err
	}

	for _, row := range table.Rows {
		for i, name := range header {
			switch name {
			case ResponseColumn:
				fields[i] = field{value: row.Response}
			case CountColumn:
				if opts.WithCount {
					fields[i] = field{value: strconv.Itoa(row.Occurrences), numeric: true}
				} else {
					fields[i] = field{value: row.Values[name]}
				}
			default:
				fields[i] = field{value: row.Values[name]}
			}
		}
		if err := writeRecord(bw, fields); err != nil {
			return err
		}
	}

	return bw.Flush()
}

type field struct {
	value   string
	numeric bool
}

func writeRecord(w *bufio.Writer, fields []field) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}

		if f.numeric {
			if _, err := w.WriteString(f.value); err != nil {
				return err
			}
			continue
		}

		if err := w.WriteByte('"'); err != nil {
			return err
		}
		if _, err := w.WriteString(strings.ReplaceAll(f.value, `"`, `""`)); err != nil {
			return err
		}
		if err := w.WriteByte('"'); err != nil {
			return err
		}
	}

	_, err := w.WriteString("\r\n")
	return err
}
