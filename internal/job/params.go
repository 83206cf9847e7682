package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Params is an ordered string -> scalar mapping. Values are string, int64,
// float64 or bool. JSON encoding keeps insertion order.
type Params struct {
	keys []string
	vals map[string]any
}

func NewParams() Params { return Params{vals: map[string]any{}} }

// Set adds or overwrites key. Ints and float32 are normalized to int64/float64;
// unsupported kinds are rejected.
func (p *Params) Set(key string, v any) error {
	nv, err := normalizeScalar(v)
	if err != nil {
		return fmt.Errorf("param %q: %w", key, err)
	}
	if p.vals == nil {
		p.vals = map[string]any{}
	}
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = nv
	return nil
}

func (p Params) Get(key string) (any, bool) {
	v, ok := p.vals[key]
	return v, ok
}

func (p Params) String(key string) string {
	s, _ := p.vals[key].(string)
	return s
}

func (p Params) Keys() []string { return append([]string(nil), p.keys...) }

func (p Params) Len() int { return len(p.keys) }

func (p Params) Clone() Params {
	cp := Params{keys: append([]string(nil), p.keys...), vals: make(map[string]any, len(p.vals))}
	for k, v := range p.vals {
		cp.vals[k] = v
	}
	return cp
}

func normalizeScalar(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func (p Params) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		v := p.vals[k]
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return nil, fmt.Errorf("param %q: non-finite number", k)
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = NewParams()
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("params: expected object")
	}
	out := NewParams()
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return errors.New("params: expected string key")
		}
		vt, err := dec.Token()
		if err != nil {
			return err
		}
		if _, isDelim := vt.(json.Delim); isDelim || vt == nil {
			return fmt.Errorf("params: %q must be a scalar", key)
		}
		if err := out.Set(key, vt); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
