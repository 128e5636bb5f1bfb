package kvstore

// HashValue maps field bytes to value bytes.
type HashValue struct {
	fields map[string][]byte
}

func (*HashValue) Type() Type { return TypeHash }

// NewHash creates an empty hash.
func NewHash() *HashValue {
	return &HashValue{fields: make(map[string][]byte)}
}

// Len returns the number of fields.
func (v *HashValue) Len() int { return len(v.fields) }

// Get returns the value for a field.
func (v *HashValue) Get(field string) ([]byte, bool) {
	b, ok := v.fields[field]
	return b, ok
}

// Set assigns a field, reporting whether it was newly created.
func (v *HashValue) Set(field string, val []byte) bool {
	_, existed := v.fields[field]
	v.fields[field] = cloneBytes(val)
	return !existed
}

// Delete removes a field, reporting whether it existed.
func (v *HashValue) Delete(field string) bool {
	if _, ok := v.fields[field]; !ok {
		return false
	}
	delete(v.fields, field)
	return true
}

// All returns every field/value pair. The iteration order is not
// stable across calls.
func (v *HashValue) All() map[string][]byte {
	out := make(map[string][]byte, len(v.fields))
	for k, val := range v.fields {
		out[k] = val
	}
	return out
}

// Keys returns every field name.
func (v *HashValue) Keys() []string {
	out := make([]string, 0, len(v.fields))
	for k := range v.fields {
		out = append(out, k)
	}
	return out
}
