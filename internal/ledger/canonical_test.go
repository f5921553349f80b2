package ledger

import (
	"bytes"
	"testing"
)

func TestCanonicalBytes_deterministic(t *testing.T) {
	e := &Entry{
		Timestamp: 1700000000000000,
		OpID:      "op-1",
		Operation: "interval_add",
		Inputs:    map[string]any{"b": 2.0, "a": 1.0, "nested": map[string]any{"z": true, "y": "s"}},
		Output:    map[string]any{"value": 3.0},
		Coverage:  0.95,
	}

	first, err := canonicalBytes(e)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := canonicalBytes(e)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("canonical bytes differ between runs")
		}
	}
}

func TestCanonicalBytes_fieldSensitivity(t *testing.T) {
	base := func() *Entry {
		return &Entry{
			Timestamp:       100,
			OpID:            "op-1",
			ParentID:        "op-0",
			Operation:       "op",
			Inputs:          map[string]any{"a": 1.0},
			Output:          map[string]any{"v": 2.0},
			Coverage:        0.5,
			InvariantPassed: true,
		}
	}
	ref, err := canonicalBytes(base())
	if err != nil {
		t.Fatal(err)
	}

	mutations := map[string]func(*Entry){
		"timestamp": func(e *Entry) { e.Timestamp = 101 },
		"op_id":     func(e *Entry) { e.OpID = "op-2" },
		"parent_id": func(e *Entry) { e.ParentID = "" },
		"operation": func(e *Entry) { e.Operation = "other" },
		"inputs":    func(e *Entry) { e.Inputs["a"] = 1.0001 },
		"output":    func(e *Entry) { e.Output["v"] = 2.0001 },
		"coverage":  func(e *Entry) { e.Coverage = 0.51 },
		"invariant": func(e *Entry) { e.InvariantPassed = false },
	}
	for name, mutate := range mutations {
		e := base()
		mutate(e)
		got, err := canonicalBytes(e)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if bytes.Equal(got, ref) {
			t.Errorf("mutating %s did not change canonical bytes", name)
		}
	}
}

func TestCanonicalBytes_delimiterInFieldsCannotCollide(t *testing.T) {
	// Shifting a delimiter between adjacent string fields must always
	// change the encoding; the length prefixes make the split structural.
	pairs := [][2]*Entry{
		{
			{Timestamp: 1, ParentID: "a|b", Operation: "c"},
			{Timestamp: 1, ParentID: "a", Operation: "b|c"},
		},
		{
			{Timestamp: 1, OpID: "x|", Operation: "op"},
			{Timestamp: 1, OpID: "x", ParentID: "", Operation: "op"},
		},
		{
			{Timestamp: 1, Operation: "op|0.5"},
			{Timestamp: 1, Operation: "op", Coverage: 0.5},
		},
	}
	for i, pair := range pairs {
		left, err := canonicalBytes(pair[0])
		if err != nil {
			t.Fatalf("pair %d left: %v", i, err)
		}
		right, err := canonicalBytes(pair[1])
		if err != nil {
			t.Fatalf("pair %d right: %v", i, err)
		}
		if bytes.Equal(left, right) {
			t.Errorf("pair %d: distinct field values encode identically: %s", i, left)
		}
	}
}

func TestCanonicalJSON_sortsKeys(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1.0, "a": 2.0, "c": 3.0})
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonicalJSON(map[string]any{"c": 3.0, "a": 2.0, "b": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("key order leaked into encoding: %s vs %s", a, b)
	}
}

func TestCanonicalJSON_numericNormalization(t *testing.T) {
	// Integer-valued floats and ints of the same value must encode
	// identically, since payloads round-trip through JSON on storage.
	asInt, err := canonicalJSON(map[string]any{"n": 2})
	if err != nil {
		t.Fatal(err)
	}
	asFloat, err := canonicalJSON(map[string]any{"n": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(asInt, asFloat) {
		t.Errorf("int and equal float encode differently: %s vs %s", asInt, asFloat)
	}
}

func TestCanonicalJSON_rejectsNonCanonicalizable(t *testing.T) {
	cases := map[string]any{
		"channel":  map[string]any{"ch": make(chan int)},
		"function": map[string]any{"fn": func() {}},
		"nan":      map[string]any{"x": float64(0) / func() float64 { return 0 }()},
	}
	for name, payload := range cases {
		if _, err := canonicalJSON(payload); err == nil {
			t.Errorf("%s: expected rejection, got nil error", name)
		}
	}
}

func TestFormatFloat_shortestRoundTrip(t *testing.T) {
	cases := map[float64]string{
		0:       "0",
		2:       "2",
		0.5:     "0.5",
		0.997:   "0.997",
		1e21:    "1e+21",
		-0.0625: "-0.0625",
	}
	for in, want := range cases {
		if got := formatFloat(in); got != want {
			t.Errorf("formatFloat(%v) = %q, want %q", in, got, want)
		}
	}
}
