package graph

import (
	"fmt"
	"reflect"
)

// Kind classifies the values a port carries. The engine routes values
// without interpreting them beyond this classification; KindAny opts a
// port out of checking entirely.
type Kind int

const (
	KindAny Kind = iota
	KindFile
	KindFileList
	KindString
	KindStringList
	KindInt
	KindFloat
	KindFloatList
	KindBool
	KindMap
	KindList
)

var kindNames = map[Kind]string{
	KindAny:        "any",
	KindFile:       "file",
	KindFileList:   "file_list",
	KindString:     "string",
	KindStringList: "string_list",
	KindInt:        "int",
	KindFloat:      "float",
	KindFloatList:  "float_list",
	KindBool:       "bool",
	KindMap:        "map",
	KindList:       "list",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Accepts reports whether v conforms to the kind. Integers are accepted
// wherever floats are, since metadata decoded from JSON or YAML loses the
// distinction.
func (k Kind) Accepts(v interface{}) bool {
	if v == nil {
		return false
	}
	switch k {
	case KindAny:
		return true
	case KindFile, KindString:
		_, ok := v.(string)
		return ok
	case KindFileList, KindStringList:
		switch v.(type) {
		case []string, []interface{}:
			return true
		}
		return false
	case KindInt:
		switch v.(type) {
		case int, int64:
			return true
		}
		return false
	case KindFloat:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case KindFloatList:
		switch v.(type) {
		case []float64, []interface{}:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindMap:
		_, ok := v.(map[string]interface{})
		return ok
	case KindList:
		switch v.(type) {
		case []interface{}, []string, []float64:
			return true
		}
		return false
	}
	return false
}

// Port is a named, kinded attachment point on a node.
type Port struct {
	Name string
	Kind Kind
}

// Ports is an ordered port declaration list.
type Ports []Port

// Lookup returns the port with the given name.
func (ps Ports) Lookup(name string) (Port, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Names returns the declared port names in order.
func (ps Ports) Names() []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}

// SequenceLen reports the length of a sequence value of any slice type.
func SequenceLen(v interface{}) (int, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return 0, false
	}
	return rv.Len(), true
}

// SequenceIndex returns element i of a sequence value of any slice type.
func SequenceIndex(v interface{}, i int) (interface{}, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice || i < 0 || i >= rv.Len() {
		return nil, false
	}
	return rv.Index(i).Interface(), true
}

// Values is the resolved port-name to value mapping handed to and
// returned by runnables.
type Values map[string]interface{}

// Clone returns a shallow copy of the mapping.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
