// ABOUTME: STIX2 record schema decoder for JSON objects and named CSV columns
// ABOUTME: Rejects records whose spec_version or fields do not match the schema

package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// labelSeparator splits the labels column in tabular formats.
const labelSeparator = ";"

// STIX2Decoder decodes records into *types.STIX2IOC.
type STIX2Decoder struct{}

// Schema returns types.SchemaSTIX2.
func (STIX2Decoder) Schema() types.RecordSchema {
	return types.SchemaSTIX2
}

// DecodeJSON decodes one STIX2 JSON object.
func (STIX2Decoder) DecodeJSON(data []byte) (types.IOC, error) {
	var ioc types.STIX2IOC
	if err := json.Unmarshal(data, &ioc); err != nil {
		return nil, err
	}
	if err := checkSTIX2(&ioc); err != nil {
		return nil, err
	}
	return &ioc, nil
}

// DecodeFields decodes a STIX2 record from named columns.
func (STIX2Decoder) DecodeFields(fields map[string]string) (types.IOC, error) {
	ioc := types.STIX2IOC{
		ID:          fields["id"],
		FeedID:      fields["feed_id"],
		FeedName:    fields["feed_name"],
		Name:        fields["name"],
		Type:        types.IOCType(strings.ToLower(fields["type"])),
		Value:       fields["value"],
		Severity:    fields["severity"],
		Description: fields["description"],
		SpecVersion: fields["spec_version"],
	}

	if v := fields["labels"]; v != "" {
		for _, label := range strings.Split(v, labelSeparator) {
			if label = strings.TrimSpace(label); label != "" {
				ioc.Labels = append(ioc.Labels, label)
			}
		}
	}

	var err error
	if ioc.Created, err = parseTime("created", fields["created"]); err != nil {
		return nil, err
	}
	if ioc.Modified, err = parseTime("modified", fields["modified"]); err != nil {
		return nil, err
	}
	if v := fields["version"]; v != "" {
		if ioc.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("parsing version %q: %w", v, err)
		}
	}

	if err := checkSTIX2(&ioc); err != nil {
		return nil, err
	}
	return &ioc, nil
}

func checkSTIX2(ioc *types.STIX2IOC) error {
	if ioc.SpecVersion != "" && !strings.HasPrefix(ioc.SpecVersion, "2.") {
		return fmt.Errorf("schema mismatch: spec_version %q is not STIX 2.x", ioc.SpecVersion)
	}
	return ioc.Validate()
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s %q: %w", field, v, err)
	}
	return t, nil
}
