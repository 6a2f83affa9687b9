package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Param is one protocol setting. Value holds a string, bool or number when
// loaded from configuration; anything else is carried through untouched and
// rejected by the token encoder.
type Param struct {
	Key   string
	Value any
}

// Parameters is an insertion-ordered settings mapping. Its JSON form is an
// object whose keys appear in insertion order.
type Parameters []Param

// Params builds Parameters from alternating key/value arguments.
func Params(kv ...any) Parameters {
	out := make(Parameters, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = out.Set(k, kv[i+1])
	}
	return out
}

func (p Parameters) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of an existing key in place or appends a new one.
func (p Parameters) Set(key string, value any) Parameters {
	for i := range p {
		if p[i].Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, Param{Key: key, Value: value})
}

func (p Parameters) Keys() []string {
	out := make([]string, 0, len(p))
	for _, kv := range p {
		out = append(out, kv.Key)
	}
	return out
}

// Clone returns a copy that shares no backing array with p.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	copy(out, p)
	return out
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := marshalNoEscape(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := marshalNoEscape(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", kv.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Parameters) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("params: expected object")
	}
	out := Parameters{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := kt.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("param %q: %w", key, err)
		}
		if n, ok := v.(json.Number); ok {
			v = numberValue(n)
		}
		out = out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// UnmarshalYAML walks the mapping node directly so that key order survives
// decoding.
func (p *Parameters) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("params: line %d: expected a mapping", node.Line)
	}
	out := make(Parameters, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("params: line %d: %w", node.Content[i].Line, err)
		}
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("param %q: %w", key, err)
		}
		out = out.Set(key, v)
	}
	*p = out
	return nil
}

func (p Parameters) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, kv := range p {
		var val yaml.Node
		if err := val.Encode(kv.Value); err != nil {
			return nil, fmt.Errorf("param %q: %w", kv.Key, err)
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: kv.Key}, &val)
	}
	return node, nil
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// marshalNoEscape matches the relay's JSON reader byte for byte: no HTML
// escaping of <, > and &.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
