package job

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParamsKeepInsertionOrder(t *testing.T) {
	t.Parallel()
	p := NewParams()
	for _, kv := range []struct {
		k string
		v any
	}{
		{"relativePath", "a/b.mp3"},
		{"currentTime", 12.5},
		{"orderRank", 3},
		{"isFinished", false},
	} {
		if err := p.Set(kv.k, kv.v); err != nil {
			t.Fatalf("Set(%s): %v", kv.k, err)
		}
	}

	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"relativePath":"a/b.mp3","currentTime":12.5,"orderRank":3,"isFinished":false}`
	if string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}

	var back Params
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := strings.Join(back.Keys(), ","); got != "relativePath,currentTime,orderRank,isFinished" {
		t.Fatalf("keys = %s", got)
	}
	if v, _ := back.Get("orderRank"); v != int64(3) {
		t.Fatalf("orderRank = %#v, want int64(3)", v)
	}
	if v, _ := back.Get("currentTime"); v != 12.5 {
		t.Fatalf("currentTime = %#v, want 12.5", v)
	}
}

func TestParamsRejectNonScalar(t *testing.T) {
	t.Parallel()
	p := NewParams()
	if err := p.Set("nested", map[string]any{"a": 1}); err == nil {
		t.Fatal("expected error for map value")
	}

	var q Params
	if err := json.Unmarshal([]byte(`{"a":[1,2]}`), &q); err == nil {
		t.Fatal("expected error for array value")
	}
	if err := json.Unmarshal([]byte(`{"a":null}`), &q); err == nil {
		t.Fatal("expected error for null value")
	}
}

func TestParamsOverwriteKeepsPosition(t *testing.T) {
	t.Parallel()
	p := NewParams()
	_ = p.Set("a", "1")
	_ = p.Set("b", "2")
	_ = p.Set("a", "3")
	if got := strings.Join(p.Keys(), ","); got != "a,b" {
		t.Fatalf("keys = %s, want a,b", got)
	}
	if p.String("a") != "3" {
		t.Fatalf("a = %q, want 3", p.String("a"))
	}
}
