package core

// Section is one named key/value group of the configuration. Keys keep the
// order in which they were first set; that order is the order written to the
// steering card.
type Section struct {
	Tag    string
	keys   []string
	values map[string]string
}

// NewSection returns an empty section named tag.
func NewSection(tag string) *Section {
	return &Section{Tag: tag, values: map[string]string{}}
}

// Set assigns key. An existing key keeps its position.
func (s *Section) Set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Get returns the value for key.
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (s *Section) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of keys.
func (s *Section) Len() int { return len(s.keys) }

// Clone returns a deep copy, so per-job substitutions never leak between jobs.
func (s *Section) Clone() *Section {
	c := &Section{Tag: s.Tag, keys: make([]string, len(s.keys)), values: make(map[string]string, len(s.values))}
	copy(c.keys, s.keys)
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}
