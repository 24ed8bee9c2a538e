package interfaces

import (
	"context"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/boldflow/boldflow/pkg/graph"
)

// Entities is the static descriptor configuration attached to a sink:
// key/value pairs such as desc, suffix, space, den, res and extension
// that determine where and under what name a derivative lands.
type Entities map[string]string

// entityOrder fixes the filename position of the entity keys a sink
// composes. Keys outside this list sort after it, alphabetically.
var entityOrder = []string{"space", "den", "res", "hemi", "from", "to", "mode", "desc"}

// Clone returns an independent copy.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// WriteFunc persists one derivative and returns the path it was written
// to. The default implementation composes the output path without
// touching the filesystem; callers that actually materialize files
// inject their own.
type WriteFunc func(ctx context.Context, req WriteRequest) (string, error)

// WriteRequest carries everything a writer needs for one derivative.
type WriteRequest struct {
	// InFile is the produced file being sunk
	InFile string
	// SourceFiles are the raw inputs the derivative derives from
	SourceFiles []string
	// Meta is the merged metadata attached to the derivative
	Meta map[string]interface{}
	// Entities is the effective entity set after dismissals and
	// dynamic overrides
	Entities Entities
	// OutDir is the sink's output directory
	OutDir string
}

// DataSink is the derivatives sink capability: it accepts a produced
// file plus provenance and metadata, applies its static entity
// configuration, and delegates persistence to a WriteFunc. Entity keys
// in the dismiss set are dropped; entity ports declared with
// WithEntityPorts receive per-run overrides through ordinary wiring.
type DataSink struct {
	outDir      string
	entities    Entities
	dismiss     map[string]struct{}
	entityPorts []string
	meta        map[string]interface{}
	write       WriteFunc
}

// SinkOption configures a DataSink.
type SinkOption func(*DataSink)

// WithDismiss drops the given entity keys from the composed output
// name.
func WithDismiss(keys ...string) SinkOption {
	return func(s *DataSink) {
		for _, k := range keys {
			s.dismiss[k] = struct{}{}
		}
	}
}

// WithEntityPorts declares input ports whose run-time values override
// the statically configured entity of the same name.
func WithEntityPorts(keys ...string) SinkOption {
	return func(s *DataSink) {
		s.entityPorts = append(s.entityPorts, keys...)
	}
}

// WithStaticMeta attaches fixed metadata merged under any dynamic meta
// the sink receives.
func WithStaticMeta(meta map[string]interface{}) SinkOption {
	return func(s *DataSink) {
		for k, v := range meta {
			s.meta[k] = v
		}
	}
}

// WithWriter injects the persistence function.
func WithWriter(fn WriteFunc) SinkOption {
	return func(s *DataSink) {
		s.write = fn
	}
}

// NewDataSink creates a derivatives sink writing under outDir with the
// given static entities.
func NewDataSink(outDir string, entities Entities, opts ...SinkOption) (*DataSink, error) {
	if outDir == "" {
		return nil, pkgerrors.New("interfaces: sink output directory is empty")
	}
	s := &DataSink{
		outDir:   outDir,
		entities: entities.Clone(),
		dismiss:  make(map[string]struct{}),
		meta:     make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.write == nil {
		s.write = composePathOnly
	}
	return s, nil
}

func (s *DataSink) Inputs() graph.Ports {
	ports := graph.Ports{
		{Name: "in_file", Kind: graph.KindFile},
		{Name: "source_file", Kind: graph.KindAny},
		{Name: "meta", Kind: graph.KindMap},
	}
	for _, key := range s.entityPorts {
		ports = append(ports, graph.Port{Name: key, Kind: graph.KindString})
	}
	return ports
}

func (s *DataSink) Outputs() graph.Ports {
	return graph.Ports{
		{Name: "out_file", Kind: graph.KindFile},
		{Name: "out_meta", Kind: graph.KindMap},
	}
}

func (s *DataSink) Run(ctx context.Context, in graph.Values) (graph.Values, error) {
	inFile, ok := in["in_file"].(string)
	if !ok {
		return nil, pkgerrors.Errorf("sink: in_file must be a file path, got %T", in["in_file"])
	}

	entities := s.entities.Clone()
	for _, key := range s.entityPorts {
		if v, ok := in[key].(string); ok && v != "" {
			entities[key] = v
		}
	}
	for key := range s.dismiss {
		delete(entities, key)
	}

	meta := make(map[string]interface{}, len(s.meta))
	for k, v := range s.meta {
		meta[k] = v
	}
	if dynamic, ok := in["meta"].(map[string]interface{}); ok {
		for k, v := range dynamic {
			meta[k] = v
		}
	}

	var sources []string
	if raw, ok := in["source_file"]; ok {
		switch x := raw.(type) {
		case string:
			sources = []string{x}
		default:
			if n, ok := graph.SequenceLen(raw); ok {
				for i := 0; i < n; i++ {
					if v, _ := graph.SequenceIndex(raw, i); v != nil {
						if p, ok := v.(string); ok {
							sources = append(sources, p)
						}
					}
				}
			}
		}
	}
	if len(sources) > 0 {
		meta["Sources"] = sources
	}

	outFile, err := s.write(ctx, WriteRequest{
		InFile:      inFile,
		SourceFiles: sources,
		Meta:        meta,
		Entities:    entities,
		OutDir:      s.outDir,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sink: write")
	}
	return graph.Values{"out_file": outFile, "out_meta": meta}, nil
}

// composePathOnly derives the output path from the entity set without
// persisting anything.
func composePathOnly(_ context.Context, req WriteRequest) (string, error) {
	return filepath.Join(req.OutDir, ComposeName(req.Entities)), nil
}

// ComposeName renders an entity set as a filename: positioned key-value
// segments, then the suffix, then the extension.
func ComposeName(entities Entities) string {
	pos := make(map[string]int, len(entityOrder))
	for i, key := range entityOrder {
		pos[key] = i
	}
	var keyed []string
	for key := range entities {
		if key == "suffix" || key == "extension" {
			continue
		}
		keyed = append(keyed, key)
	}
	sortEntityKeys(keyed, pos)

	var b strings.Builder
	for _, key := range keyed {
		if b.Len() > 0 {
			b.WriteByte('_')
		}
		b.WriteString(key)
		b.WriteByte('-')
		b.WriteString(entities[key])
	}
	if suffix, ok := entities["suffix"]; ok {
		if b.Len() > 0 {
			b.WriteByte('_')
		}
		b.WriteString(suffix)
	}
	if ext, ok := entities["extension"]; ok {
		b.WriteString(ext)
	}
	return b.String()
}

func sortEntityKeys(keys []string, pos map[string]int) {
	rank := func(k string) (int, string) {
		if p, ok := pos[k]; ok {
			return p, ""
		}
		return len(pos), k
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0; j-- {
			pa, sa := rank(keys[j-1])
			pb, sb := rank(keys[j])
			if pa < pb || (pa == pb && sa <= sb) {
				break
			}
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}
