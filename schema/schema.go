// Package schema describes the typed custom fields a table's revisions
// carry (SPEC_FULL.md §3/§4.B). Table schema definition itself is an
// out-of-scope collaborator (spec.md §1); this package only names the
// field-type vocabulary and the template shape revisions are validated
// against.
package schema

// FieldType enumerates the static types a Revision field may hold,
// exactly as listed in spec.md §3.
type FieldType int

const (
	Bool FieldType = iota
	Int32
	Int64
	UInt64
	Double
	String
	Blob
	Hash128
	LogicalTime
)

func (t FieldType) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case UInt64:
		return "uint64"
	case Double:
		return "double"
	case String:
		return "string"
	case Blob:
		return "blob"
	case Hash128:
		return "hash128"
	case LogicalTime:
		return "logical-time"
	default:
		return "unknown"
	}
}

// FieldDef names one ordered field of a table template.
type FieldDef struct {
	Name string
	Type FieldType
}

// Template is the ordered field list a table's revisions must conform to.
// Supplied by the external table-schema-definition collaborator
// (spec.md §1); accepted here as an opaque value.
type Template []FieldDef

// IndexOf returns the position of name in the template, or -1.
func (t Template) IndexOf(name string) int {
	for i, f := range t {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Match reports whether fields has the same length and field types as t,
// in order — the structure_match precondition of spec.md §4.B. Field
// names are not compared: two templates with the same type sequence but
// differently-named fields are considered structurally matching, mirroring
// the original's positional field encoding.
func (t Template) Match(types []FieldType) bool {
	if len(t) != len(types) {
		return false
	}
	for i, f := range t {
		if f.Type != types[i] {
			return false
		}
	}
	return true
}
