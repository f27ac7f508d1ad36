package stream

// Field is a named, canonically typed column.
type Field struct {
	Name string
	Type Type
}

// Schema is an ordered list of fields.
type Schema struct {
	fields []Field
}

func NewSchema(fields ...Field) Schema {
	var s = Schema{fields: make([]Field, len(fields))}
	copy(s.fields, fields)
	return s
}

func (s Schema) Len() int        { return len(s.fields) }
func (s Schema) Fields() []Field { return s.fields }

func (s Schema) Names() []string {
	var names = make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named field, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) Field(name string) (Field, bool) {
	if i := s.Index(name); i >= 0 {
		return s.fields[i], true
	}
	return Field{}, false
}

// Append returns a new schema with the field added at the end.
func (s Schema) Append(f Field) Schema {
	var fields = make([]Field, 0, len(s.fields)+1)
	fields = append(fields, s.fields...)
	fields = append(fields, f)
	return Schema{fields: fields}
}

// Remove returns a new schema without the field at index i.
func (s Schema) Remove(i int) Schema {
	var fields = make([]Field, 0, len(s.fields)-1)
	fields = append(fields, s.fields[:i]...)
	fields = append(fields, s.fields[i+1:]...)
	return Schema{fields: fields}
}

// Compatible reports whether two schemas contain the same set of field names
// with the same canonical types, regardless of column order. Missing columns,
// extra columns, or type mismatches make schemas incompatible.
func Compatible(a, b Schema) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, f := range a.fields {
		other, ok := b.Field(f.Name)
		if !ok || other.Type != f.Type {
			return false
		}
	}
	return true
}
