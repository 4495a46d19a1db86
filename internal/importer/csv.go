package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// rowReader yields CSV records as header-keyed maps. The first record is the
// header row; later records map onto it positionally.
type rowReader struct {
	reader  *csv.Reader
	headers []string
}

func newRowReader(r io.Reader) (*rowReader, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}
	return &rowReader{reader: reader, headers: headers}, nil
}

// Next returns the next record, io.EOF at the end, or a row-level parse
// error. Parse errors are per-record; the caller may skip and continue.
func (r *rowReader) Next() (map[string]string, error) {
	record, err := r.reader.Read()
	if err != nil {
		return nil, err
	}
	row := make(map[string]string, len(r.headers))
	for i, header := range r.headers {
		if i < len(record) {
			row[header] = strings.TrimSpace(record[i])
		}
	}
	return row, nil
}
