// ABOUTME: Newline-delimited JSON codec, one record object per line
// ABOUTME: Fails the whole payload on any bad or truncated line, reporting its line number

package codec

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// MaxLineBytes is the longest NDJSON line accepted.
const MaxLineBytes = 16 * 1024 * 1024

// NDJSONCodec decodes newline-delimited JSON payloads.
type NDJSONCodec struct {
	decoder SchemaDecoder
}

// NewNDJSONCodec creates an NDJSON codec producing records via decoder.
func NewNDJSONCodec(decoder SchemaDecoder) *NDJSONCodec {
	return &NDJSONCodec{decoder: decoder}
}

// Format returns FormatNDJSON.
func (c *NDJSONCodec) Format() WireFormat {
	return FormatNDJSON
}

// Schema returns the decoder's schema.
func (c *NDJSONCodec) Schema() types.RecordSchema {
	return c.decoder.Schema()
}

// Parse decodes every non-blank line of r.
func (c *NDJSONCodec) Parse(ctx context.Context, r io.Reader) ([]types.IOC, error) {
	var iocs []types.IOC

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	lineNum := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		ioc, err := c.decoder.DecodeJSON(line)
		if err != nil {
			return nil, &types.CodecError{Format: string(FormatNDJSON), Line: lineNum, Err: err}
		}
		iocs = append(iocs, ioc)
	}

	if err := scanner.Err(); err != nil {
		return nil, &types.CodecError{Format: string(FormatNDJSON), Line: lineNum + 1, Err: err}
	}
	return iocs, nil
}
