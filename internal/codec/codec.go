// ABOUTME: InputCodec contract and cached codec selection by (wire format, record schema)
// ABOUTME: Explicit registries map format and schema names to their constructors

package codec

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/hikmaai-io/hikmaai-tif/internal/paramcache"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// WireFormat names the framing of a feed payload.
type WireFormat string

// Supported wire formats.
const (
	FormatNDJSON WireFormat = "ndjson"
	FormatCSV    WireFormat = "csv"
)

// ParseWireFormat parses a wire format name, case-insensitively.
func ParseWireFormat(s string) (WireFormat, error) {
	f := WireFormat(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := formats[f]; !ok {
		return "", &types.ConfigurationError{Field: "format", Reason: fmt.Sprintf("unknown wire format %q", s)}
	}
	return f, nil
}

// InputCodec decodes a complete payload into IOC records.
// Implementations are stateless and safe for concurrent use.
type InputCodec interface {
	// Parse consumes r to EOF. Any malformed, truncated, or mismatched
	// record fails the whole payload with a *types.CodecError.
	Parse(ctx context.Context, r io.Reader) ([]types.IOC, error)

	// Format returns the wire format the codec reads.
	Format() WireFormat

	// Schema returns the record schema the codec produces.
	Schema() types.RecordSchema
}

// SchemaDecoder turns one framed record into an IOC of a specific schema.
type SchemaDecoder interface {
	// Schema returns the schema the decoder produces.
	Schema() types.RecordSchema

	// DecodeJSON decodes one JSON object. Unknown fields are ignored.
	DecodeJSON(data []byte) (types.IOC, error)

	// DecodeFields decodes a record given as column name to value.
	DecodeFields(fields map[string]string) (types.IOC, error)
}

// formats maps each wire format to its codec constructor.
var formats = map[WireFormat]func(SchemaDecoder) InputCodec{
	FormatNDJSON: func(d SchemaDecoder) InputCodec { return NewNDJSONCodec(d) },
	FormatCSV:    func(d SchemaDecoder) InputCodec { return NewCSVCodec(d) },
}

// schemas maps each record schema to its decoder constructor.
var schemas = map[types.RecordSchema]func() SchemaDecoder{
	types.SchemaSTIX2: func() SchemaDecoder { return STIX2Decoder{} },
}

// Formats returns the registered wire formats, sorted.
func Formats() []WireFormat {
	out := make([]WireFormat, 0, len(formats))
	for f := range formats {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Schemas returns the registered record schemas, sorted.
func Schemas() []types.RecordSchema {
	out := make([]types.RecordSchema, 0, len(schemas))
	for s := range schemas {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Factory selects codecs and caches one instance per (format, schema).
type Factory struct {
	cache *paramcache.Cache2[WireFormat, types.RecordSchema, InputCodec]
}

// NewFactory creates an empty codec factory.
func NewFactory() *Factory {
	return &Factory{cache: paramcache.New2(build)}
}

// Codec returns the cached codec for (format, schema).
func (f *Factory) Codec(format WireFormat, schema types.RecordSchema) (InputCodec, error) {
	return f.cache.Get(format, schema)
}

// CachedCodecs returns the number of cached codec instances.
func (f *Factory) CachedCodecs() int {
	return f.cache.Len()
}

// NewSchemaDecoder returns the record decoder registered for schema.
// Stores use it to turn persisted documents back into IOCs.
func NewSchemaDecoder(schema types.RecordSchema) (SchemaDecoder, error) {
	newDecoder, ok := schemas[schema]
	if !ok {
		return nil, &types.ConfigurationError{Field: "schema", Reason: fmt.Sprintf("unknown record schema %q", schema)}
	}
	return newDecoder(), nil
}

func build(format WireFormat, schema types.RecordSchema) (InputCodec, error) {
	newCodec, ok := formats[format]
	if !ok {
		return nil, &types.ConfigurationError{Field: "format", Reason: fmt.Sprintf("unknown wire format %q", format)}
	}
	decoder, err := NewSchemaDecoder(schema)
	if err != nil {
		return nil, err
	}
	return newCodec(decoder), nil
}
