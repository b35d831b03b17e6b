// Package source reads rule configuration from places other than
// the live store: JSON files on disk and objects in Google Cloud
// Storage. Sources are read-only; they feed validation and bulk
// import, never the hot evaluation path.
package source

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"go.chromium.org/luci/common/errors"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// Bundle is a complete rule configuration read from a source.
type Bundle struct {
	Rulesets   []*rules.Ruleset                   `json:"rulesets"`
	Rules      []*rules.Rule                      `json:"rules"`
	Conditions []*rules.Condition                 `json:"conditions"`
	Actionsets map[string][]*rules.ActionsetEntry `json:"actionsets"`
}

// Source reads a rule configuration bundle.
type Source interface {
	// Name identifies the source kind in reports and logs.
	Name() string
	Read(ctx context.Context) (*Bundle, error)
}

// decode parses a bundle document.
func decode(r io.Reader) (*Bundle, error) {
	b := &Bundle{}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(b); err != nil {
		return nil, errors.Annotate(err, "decoding bundle").Err()
	}
	return b, nil
}

// ReadJSON reads an arbitrary JSON document from a reader into a
// generic value, preserving numeric fidelity.
func ReadJSON(r io.Reader) (interface{}, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Annotate(err, "decoding json").Err()
	}
	return v, nil
}

// FileSource reads a bundle from a JSON file on disk.
type FileSource struct {
	Path string
}

// NewFileSource initialises a file source.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file" }

// Read implements Source.
func (s *FileSource) Read(ctx context.Context) (*Bundle, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, errors.Annotate(err, "opening %s", s.Path).Err()
	}
	defer f.Close()
	b, err := decode(f)
	if err != nil {
		return nil, errors.Annotate(err, "reading %s", s.Path).Err()
	}
	return b, nil
}

// GCSSource reads a bundle from a Cloud Storage object.
type GCSSource struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSSource initialises a Cloud Storage source over an existing
// client.
func NewGCSSource(client *storage.Client, bucket, object string) *GCSSource {
	return &GCSSource{client: client, bucket: bucket, object: object}
}

// Name implements Source.
func (s *GCSSource) Name() string { return "gcs" }

// Read implements Source.
func (s *GCSSource) Read(ctx context.Context) (*Bundle, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "opening gs://%s/%s", s.bucket, s.object).Err()
	}
	defer r.Close()
	b, err := decode(r)
	if err != nil {
		return nil, errors.Annotate(err, "reading gs://%s/%s", s.bucket, s.object).Err()
	}
	return b, nil
}

// StoreSource reads the live store as a bundle, so the same
// validation path covers all source kinds.
type StoreSource struct {
	store store.RuleReader
}

// NewStoreSource initialises a store-backed source.
func NewStoreSource(s store.RuleReader) *StoreSource {
	return &StoreSource{store: s}
}

// Name implements Source.
func (s *StoreSource) Name() string { return "database" }

// Read implements Source.
func (s *StoreSource) Read(ctx context.Context) (*Bundle, error) {
	rulesets, err := s.store.ListActiveRulesets(ctx, store.Filter{})
	if err != nil {
		return nil, errors.Annotate(err, "listing rulesets").Err()
	}
	conditions, err := s.store.ListConditions(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "listing conditions").Err()
	}
	b := &Bundle{
		Rulesets:   rulesets,
		Conditions: conditions,
		Actionsets: make(map[string][]*rules.ActionsetEntry, len(rulesets)),
	}
	for _, rs := range rulesets {
		ruleList, err := s.store.ListActiveRules(ctx, store.Filter{RulesetID: rs.RulesetID})
		if err != nil {
			return nil, errors.Annotate(err, "listing rules of ruleset %s", rs.RulesetID).Err()
		}
		b.Rules = append(b.Rules, ruleList...)
		actionset, err := s.store.ListActionset(ctx, rs.RulesetID)
		if err != nil {
			return nil, errors.Annotate(err, "listing actionset of ruleset %s", rs.RulesetID).Err()
		}
		b.Actionsets[rs.RulesetID] = actionset
	}
	return b, nil
}
