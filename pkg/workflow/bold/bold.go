// Package bold assembles the BOLD processing workflow graphs: surface
// sampling, goodvoxels masking, fsLR resampling, grayordinate
// generation, derivative sinks and report assembly. Builders are pure
// graph constructors: they declare nodes, ports and connections under
// build-time feature flags, and the caller finalizes and runs the
// result. The external imaging tools behind the leaves are supplied
// through a Toolkit, so the same graphs execute against real command
// lines or against pure-function stand-ins.
package bold

import (
	"context"

	pkgerrors "github.com/pkg/errors"

	"github.com/boldflow/boldflow/pkg/graph"
	"github.com/boldflow/boldflow/pkg/interfaces"
)

// Toolkit resolves a named external capability with the ports the
// builder declares. Production callers back it with command specs;
// tests and dry runs substitute pure functions.
type Toolkit func(tool string, ins, outs graph.Ports) (graph.Runnable, error)

// CommandToolkit resolves tools from a table of command specs. The
// builder-declared ports are attached to the spec before wrapping.
func CommandToolkit(specs map[string]interfaces.CommandSpec) Toolkit {
	return func(tool string, ins, outs graph.Ports) (graph.Runnable, error) {
		spec, ok := specs[tool]
		if !ok {
			return nil, pkgerrors.Errorf("toolkit: no command spec for tool '%s'", tool)
		}
		spec.Inputs = ins
		spec.Outputs = outs
		return interfaces.NewCommand(spec)
	}
}

// StubToolkit synthesizes one placeholder value per declared output,
// derived from the tool and port names. It lets a workflow graph
// execute end to end without any imaging toolchain installed.
func StubToolkit() Toolkit {
	return func(tool string, ins, outs graph.Ports) (graph.Runnable, error) {
		return interfaces.NewFunction(ins, outs,
			func(_ context.Context, _ graph.Values) (graph.Values, error) {
				out := make(graph.Values, len(outs))
				for _, p := range outs {
					switch p.Kind {
					case graph.KindFloat:
						out[p.Name] = 0.0
					case graph.KindMap:
						out[p.Name] = map[string]interface{}{}
					default:
						out[p.Name] = tool + "." + p.Name
					}
				}
				return out, nil
			})
	}
}

// addTool declares one tool-backed leaf.
func addTool(g *graph.Graph, tk Toolkit, name, tool string, ins, outs graph.Ports, opts ...graph.NodeOption) (*graph.Node, error) {
	r, err := tk(tool, ins, outs)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "workflow '%s': leaf '%s'", g.Name(), name)
	}
	return g.AddLeaf(name, r, opts...)
}

// Port shorthands for builder declarations.
func file(name string) graph.Port  { return graph.Port{Name: name, Kind: graph.KindFile} }
func files(name string) graph.Port { return graph.Port{Name: name, Kind: graph.KindFileList} }
func str(name string) graph.Port   { return graph.Port{Name: name, Kind: graph.KindString} }
func flt(name string) graph.Port   { return graph.Port{Name: name, Kind: graph.KindFloat} }
func list(name string) graph.Port  { return graph.Port{Name: name, Kind: graph.KindList} }
func dict(name string) graph.Port  { return graph.Port{Name: name, Kind: graph.KindMap} }

// asFloat widens numeric metadata values, which lose the int/float
// distinction when decoded from JSON or YAML.
func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// fslrMesh maps a grayordinate density to its per-hemisphere fsLR mesh.
func fslrMesh(density string) string {
	if density == "170k" {
		return "59k"
	}
	return "32k"
}

// mniResolution maps a grayordinate density to the matching MNI volume
// resolution label.
func mniResolution(density string) string {
	if density == "170k" {
		return "1"
	}
	return "2"
}
