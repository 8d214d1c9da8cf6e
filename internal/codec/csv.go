// ABOUTME: Header-driven CSV codec for abuse.ch style indicator feeds
// ABOUTME: Maps named columns onto schema fields; '#' lines are comments

package codec

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// requiredColumns must appear in every CSV header.
var requiredColumns = []string{"id", "type", "value"}

// CSVCodec decodes comma-separated payloads whose first record is a header.
type CSVCodec struct {
	decoder SchemaDecoder
}

// NewCSVCodec creates a CSV codec producing records via decoder.
func NewCSVCodec(decoder SchemaDecoder) *CSVCodec {
	return &CSVCodec{decoder: decoder}
}

// Format returns FormatCSV.
func (c *CSVCodec) Format() WireFormat {
	return FormatCSV
}

// Schema returns the decoder's schema.
func (c *CSVCodec) Schema() types.RecordSchema {
	return c.decoder.Schema()
}

// Parse decodes every data row of r.
func (c *CSVCodec) Parse(ctx context.Context, r io.Reader) ([]types.IOC, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, c.wrap(err, 0)
	}

	columns := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, name := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(name))
		present[columns[i]] = true
	}
	for _, name := range requiredColumns {
		if !present[name] {
			line, _ := reader.FieldPos(0)
			return nil, c.wrap(fmt.Errorf("schema mismatch: header missing column %q", name), line)
		}
	}

	var iocs []types.IOC
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, c.wrap(err, 0)
		}
		line, _ := reader.FieldPos(0)

		fields := make(map[string]string, len(columns))
		for i, name := range columns {
			fields[name] = strings.TrimSpace(record[i])
		}

		ioc, err := c.decoder.DecodeFields(fields)
		if err != nil {
			return nil, c.wrap(err, line)
		}
		iocs = append(iocs, ioc)
	}

	return iocs, nil
}

// wrap builds a CodecError, taking the line from csv.ParseError when present.
func (c *CSVCodec) wrap(err error, line int) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		line = parseErr.Line
	}
	return &types.CodecError{Format: string(FormatCSV), Line: line, Err: err}
}
