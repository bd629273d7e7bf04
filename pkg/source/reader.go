// Package source streams login-event rows from a delimited record file.
package source

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	osbackfill "github.com/deviceops/osbackfill"
)

// Reader yields rows from a CSV file in file order, keyed by header name.
type Reader struct {
	file    *os.File
	csv     *csv.Reader
	headers []string
}

// Open opens path and consumes the header row. A missing or unreadable file
// is a fatal setup error for the run.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open login events file %s", path)
	}

	reader := csv.NewReader(file)
	reader.ReuseRecord = true
	// Short rows surface as missing-column rows downstream, not as stream
	// aborts.
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "read login events header from %s", path)
	}
	headers = append([]string(nil), headers...)
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	log.Debug().Str("path", path).Strs("columns", headers).Msg("opened login events file")
	return &Reader{file: file, csv: reader, headers: headers}, nil
}

// Next returns the next row, or io.EOF at end of file.
func (r *Reader) Next(ctx context.Context) (osbackfill.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record, err := r.csv.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, "read login event row")
	}

	row := make(osbackfill.Row, len(r.headers))
	for i, header := range r.headers {
		if header == "" {
			continue
		}
		if i < len(record) {
			// The csv reader reuses its record buffer; copy the values out.
			row[header] = strings.Clone(record[i])
		}
	}
	return row, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
