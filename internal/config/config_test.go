// ABOUTME: Tests for configuration defaults, file loading, and validation
// ABOUTME: Loads YAML and TOML fixtures from temporary directories

package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.Store.Backend != "badger" {
		t.Errorf("Store.Backend = %q, want badger", cfg.Store.Backend)
	}
	if cfg.Scheduler.Resolution.Std() != time.Second {
		t.Errorf("Scheduler.Resolution = %v, want 1s", cfg.Scheduler.Resolution)
	}
	if cfg.Download.MaxPayloadBytes != 500*1024*1024 {
		t.Errorf("Download.MaxPayloadBytes = %d", cfg.Download.MaxPayloadBytes)
	}
	if cfg.NATS.URL != "" || cfg.Redis.Addr != "" || cfg.HTTP.Addr != "" {
		t.Error("external services should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "tif.yaml", `
data_dir: /tmp/tif
log:
  level: debug
  format: console
store:
  alias: iocs
  rollover_docs: 500
feeds:
  - id: urlhaus
    source:
      kind: url-download
      url: https://urlhaus.example/export.csv
    format: csv
    update_type: delta
    interval: 15m
  - id: s3-daily
    source:
      kind: object-store
      provider: s3
      bucket: tif-feeds
      key: daily.ndjson
      region: us-east-1
      role_arn: arn:aws:iam::123456789012:role/tif-reader
    interval: 1h
    enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Format != "console" || cfg.Store.RolloverDocs != 500 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Scheduler.MaxConcurrentRuns != 4 {
		t.Errorf("defaults not preserved: MaxConcurrentRuns = %d", cfg.Scheduler.MaxConcurrentRuns)
	}
	if len(cfg.Feeds) != 2 {
		t.Fatalf("len(Feeds) = %d, want 2", len(cfg.Feeds))
	}

	urlhaus := cfg.Feeds[0]
	if urlhaus.UpdateType != types.UpdateTypeDelta {
		t.Errorf("UpdateType = %v, want delta", urlhaus.UpdateType)
	}
	if urlhaus.Interval.Std() != 15*time.Minute {
		t.Errorf("Interval = %v, want 15m", urlhaus.Interval)
	}
	if urlhaus.WireFormat() != "csv" || urlhaus.RecordSchema() != types.SchemaSTIX2 {
		t.Errorf("codec = %s/%s", urlhaus.WireFormat(), urlhaus.RecordSchema())
	}
	if !urlhaus.IsEnabled() {
		t.Error("urlhaus should be enabled by default")
	}

	s3, ok := cfg.Feed("s3-daily")
	if !ok {
		t.Fatal("Feed(s3-daily) not found")
	}
	if s3.IsEnabled() {
		t.Error("s3-daily should be disabled")
	}
	if s3.UpdateType != types.UpdateTypeReplace {
		t.Errorf("UpdateType = %v, want replace", s3.UpdateType)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "tif.toml", `
data_dir = "/tmp/tif"

[scheduler]
resolution = "500ms"
max_concurrent_runs = 2

[[feeds]]
id = "inline"
interval = "30s"
update_type = "replace"

[feeds.source]
kind = "inline-upload"
payload = ""
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Resolution.Std() != 500*time.Millisecond {
		t.Errorf("Resolution = %v, want 500ms", cfg.Scheduler.Resolution)
	}
	if len(cfg.Feeds) != 1 || cfg.Feeds[0].Source.Kind != SourceInlineUpload {
		t.Errorf("Feeds = %+v", cfg.Feeds)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unknown yaml key", file: "a.yaml", content: "bogus: 1\n"},
		{name: "unknown toml key", file: "a.toml", content: "bogus = 1\n"},
		{name: "unsupported extension", file: "a.json", content: "{}"},
		{name: "bad duration", file: "a.yaml", content: "scheduler:\n  resolution: soon\n"},
		{
			name: "duplicate feed",
			file: "a.yaml",
			content: `feeds:
  - {id: a, interval: 1m, source: {kind: inline-upload}}
  - {id: a, interval: 1m, source: {kind: inline-upload}}
`,
		},
		{name: "bad backend", file: "a.yaml", content: "store:\n  backend: mongo\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := Load(writeFile(t, tt.file, tt.content)); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestFeedConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := FeedConfig{
		ID:       "f1",
		Interval: Duration(time.Minute),
		Source:   SourceConfig{Kind: SourceObjectStore, Provider: "s3", Bucket: "b", Key: "k"},
	}

	tests := []struct {
		name      string
		mutate    func(*FeedConfig)
		wantField string
	}{
		{name: "valid", mutate: func(*FeedConfig) {}},
		{name: "missing id", mutate: func(f *FeedConfig) { f.ID = " " }, wantField: "id"},
		{name: "zero interval", mutate: func(f *FeedConfig) { f.Interval = 0 }, wantField: "interval"},
		{name: "bad update type", mutate: func(f *FeedConfig) { f.UpdateType = 7 }, wantField: "update_type"},
		{name: "missing kind", mutate: func(f *FeedConfig) { f.Source.Kind = "" }, wantField: "source.kind"},
		{name: "unknown kind", mutate: func(f *FeedConfig) { f.Source.Kind = "ftp" }, wantField: "source.kind"},
		{name: "missing provider", mutate: func(f *FeedConfig) { f.Source.Provider = "" }, wantField: "source.provider"},
		{name: "missing key", mutate: func(f *FeedConfig) { f.Source.Key = "" }, wantField: "source.bucket"},
		{
			name: "bad url",
			mutate: func(f *FeedConfig) {
				f.Source = SourceConfig{Kind: SourceURLDownload, URL: "ftp://x"}
			},
			wantField: "source.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			feed := valid
			tt.mutate(&feed)
			err := feed.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			var cfgErr *types.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() error = %v, want ConfigurationError", err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.wantField)
			}
		})
	}
}

func TestFeedConfig_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := `{"id":"f1","source":{"kind":"url-download","url":"https://x.example/f"},"update_type":"delta","interval":"2m"}`

	var feed FeedConfig
	if err := json.Unmarshal([]byte(in), &feed); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if feed.Interval.Std() != 2*time.Minute || feed.UpdateType != types.UpdateTypeDelta {
		t.Errorf("feed = %+v", feed)
	}

	out, err := json.Marshal(feed)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back FeedConfig
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Interval != feed.Interval || back.Source != feed.Source {
		t.Errorf("round trip = %+v, want %+v", back, feed)
	}
}
