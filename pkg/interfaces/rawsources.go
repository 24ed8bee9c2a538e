package interfaces

import (
	"context"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"

	"github.com/boldflow/boldflow/pkg/graph"
)

// RawSources relativizes absolute source-file paths against a dataset
// root, producing the root-relative strings recorded as provenance
// metadata on derivatives.
type RawSources struct {
	root string
}

// NewRawSources creates a relativizer against the given dataset root.
func NewRawSources(root string) (*RawSources, error) {
	if root == "" {
		return nil, pkgerrors.New("interfaces: raw-sources root is empty")
	}
	return &RawSources{root: root}, nil
}

func (r *RawSources) Inputs() graph.Ports {
	return graph.Ports{{Name: "in_files", Kind: graph.KindFileList}}
}

func (r *RawSources) Outputs() graph.Ports {
	return graph.Ports{{Name: "out", Kind: graph.KindStringList}}
}

func (r *RawSources) Run(_ context.Context, in graph.Values) (graph.Values, error) {
	files, ok := in["in_files"]
	if !ok {
		return nil, pkgerrors.New("raw-sources: in_files received no value")
	}
	n, ok := graph.SequenceLen(files)
	if !ok {
		return nil, pkgerrors.Errorf("raw-sources: in_files must be a sequence, got %T", files)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		v, _ := graph.SequenceIndex(files, i)
		path, ok := v.(string)
		if !ok {
			return nil, pkgerrors.Errorf("raw-sources: entry %d is %T, want string", i, v)
		}
		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "raw-sources: relativize '%s'", path)
		}
		out[i] = rel
	}
	return graph.Values{"out": out}, nil
}
