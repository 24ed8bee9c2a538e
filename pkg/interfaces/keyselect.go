package interfaces

import (
	"context"

	pkgerrors "github.com/pkg/errors"

	"github.com/boldflow/boldflow/pkg/graph"
)

// KeySelect picks the entry matching a key out of parallel keyed lists.
// Given a "key" and the "keys" sequence it indexes into, every declared
// field receives a list input and produces the element at the key's
// position. Typical use: selecting one hemisphere's surfaces out of
// [left, right] pairs.
type KeySelect struct {
	fields []string
	ins    graph.Ports
	outs   graph.Ports
}

// NewKeySelect creates a key-select over the given list fields.
func NewKeySelect(fields ...string) (*KeySelect, error) {
	if len(fields) == 0 {
		return nil, pkgerrors.New("interfaces: key-select requires at least one field")
	}
	ins := graph.Ports{
		{Name: "key", Kind: graph.KindString},
		{Name: "keys", Kind: graph.KindStringList},
	}
	outs := make(graph.Ports, len(fields))
	for i, f := range fields {
		ins = append(ins, graph.Port{Name: f, Kind: graph.KindList})
		outs[i] = graph.Port{Name: f, Kind: graph.KindAny}
	}
	return &KeySelect{
		fields: append([]string(nil), fields...),
		ins:    ins,
		outs:   outs,
	}, nil
}

func (k *KeySelect) Inputs() graph.Ports  { return k.ins }
func (k *KeySelect) Outputs() graph.Ports { return k.outs }

func (k *KeySelect) Run(_ context.Context, in graph.Values) (graph.Values, error) {
	key, ok := in["key"].(string)
	if !ok {
		return nil, pkgerrors.Errorf("key-select: key must be a string, got %T", in["key"])
	}
	keys, ok := in["keys"]
	if !ok {
		return nil, pkgerrors.New("key-select: keys received no value")
	}
	n, ok := graph.SequenceLen(keys)
	if !ok {
		return nil, pkgerrors.Errorf("key-select: keys must be a sequence, got %T", keys)
	}
	idx := -1
	for i := 0; i < n; i++ {
		v, _ := graph.SequenceIndex(keys, i)
		if s, ok := v.(string); ok && s == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, pkgerrors.Errorf("key-select: key '%s' not found in keys", key)
	}

	out := make(graph.Values, len(k.fields))
	for _, field := range k.fields {
		seq, ok := in[field]
		if !ok {
			return nil, pkgerrors.Errorf("key-select: field '%s' received no value", field)
		}
		l, ok := graph.SequenceLen(seq)
		if !ok {
			return nil, pkgerrors.Errorf("key-select: field '%s' must be a sequence, got %T", field, seq)
		}
		if l != n {
			return nil, pkgerrors.Errorf(
				"key-select: field '%s' has %d entries for %d keys", field, l, n)
		}
		v, _ := graph.SequenceIndex(seq, idx)
		out[field] = v
	}
	return out, nil
}
