package types

import (
	"encoding/json"
	"testing"
)

func TestProcessJSON(t *testing.T) {
	cases := []struct {
		name string
		p    Process
		want string
	}{
		{"client", Process(3), "3"},
		{"nemesis", ProcessNemesis, `"nemesis"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.p)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tc.want {
				t.Fatalf("marshal: want %s, got %s", tc.want, data)
			}
			var back Process
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatal(err)
			}
			if back != tc.p {
				t.Fatalf("round trip: want %v, got %v", tc.p, back)
			}
		})
	}
}

func TestOpJSONRoundTrip(t *testing.T) {
	op := Op{
		Index:   7,
		Time:    123456789,
		Process: ProcessNemesis,
		Type:    OpInfo,
		F:       "start-partition",
		Value:   map[string]any{"n1": []any{"n2"}},
		Error:   "timeout",
	}
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatal(err)
	}
	var back Op
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Index != op.Index || back.Time != op.Time || back.Process != op.Process ||
		back.Type != op.Type || back.F != op.F || back.Error != op.Error {
		t.Fatalf("round trip changed op: %+v vs %+v", back, op)
	}
}

func TestResolveConcurrency(t *testing.T) {
	cases := []struct {
		spec    string
		nodes   int
		want    int
		wantErr bool
	}{
		{"10", 0, 10, false},
		{"3n", 5, 15, false},
		{"2n", 0, 0, true},
		{"", 3, 0, true},
		{"-1", 3, 0, true},
		{"abc", 3, 0, true},
	}
	for _, tc := range cases {
		cfg := &Config{Concurrency: tc.spec}
		got, err := cfg.ResolveConcurrency(tc.nodes)
		if tc.wantErr {
			if err == nil {
				t.Errorf("spec %q: want error, got %d", tc.spec, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("spec %q: %v", tc.spec, err)
		} else if got != tc.want {
			t.Errorf("spec %q: want %d, got %d", tc.spec, tc.want, got)
		}
	}
}

func TestCompletionTypes(t *testing.T) {
	if OpInvoke.Completion() {
		t.Error("invoke is not a completion")
	}
	for _, ot := range []OpType{OpOk, OpFail, OpInfo} {
		if !ot.Completion() {
			t.Errorf("%s should be a completion", ot)
		}
	}
	if OpType("bogus").Valid() {
		t.Error("bogus op type accepted")
	}
}
