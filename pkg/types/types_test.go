package types

import (
	"encoding/json"
	"testing"
)

func TestOperationTypeString(t *testing.T) {
	cases := []struct {
		op   OperationType
		want string
	}{
		{OpUpload, "UPLOAD"},
		{OpSync, "SYNC"},
		{OpLoad, "LOAD"},
		{OpAnalysis, "ANALYSIS"},
		{OpDelete, "DELETE"},
		{OpClear, "CLEAR"},
		{OperationType(99), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.op.String(); got != tc.want {
			t.Errorf("String(%d): expected %s, got %s", tc.op, tc.want, got)
		}
	}
}

func TestParseOperationType(t *testing.T) {
	for _, name := range []string{"UPLOAD", "SYNC", "LOAD", "ANALYSIS", "DELETE", "CLEAR"} {
		op, err := ParseOperationType(name)
		if err != nil {
			t.Fatalf("ParseOperationType(%s): %v", name, err)
		}
		if op.String() != name {
			t.Errorf("round trip %s: got %s", name, op.String())
		}
	}

	if _, err := ParseOperationType("REINDEX"); err == nil {
		t.Error("expected error for unknown operation type")
	}
}

func TestOperationTypeJSON(t *testing.T) {
	data, err := json.Marshal(OpDelete)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"DELETE"` {
		t.Errorf("expected canonical name, got %s", data)
	}

	var op OperationType
	if err := json.Unmarshal([]byte(`"SYNC"`), &op); err != nil {
		t.Fatal(err)
	}
	if op != OpSync {
		t.Errorf("expected OpSync, got %v", op)
	}

	if err := json.Unmarshal([]byte(`"NOPE"`), &op); err == nil {
		t.Error("expected error for unknown name")
	}
	if err := json.Unmarshal([]byte(`7`), &op); err == nil {
		t.Error("expected error for non-string payload")
	}
}

func TestOperationJSONUsesNames(t *testing.T) {
	op := Operation{ID: "op-1", Type: OpClear, Priority: 8}
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "CLEAR" {
		t.Errorf("expected type serialized as CLEAR, got %v", decoded["type"])
	}
}
