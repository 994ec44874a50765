package hipaa

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func zeroLogger() zerolog.Logger { return zerolog.Nop() }

func TestField_Revealed(t *testing.T) {
	f := Revealed(map[string]string{"plan": "continue"})
	v, ok := f.Value()
	if !ok || v["plan"] != "continue" {
		t.Errorf("expected revealed value, got %v %v", v, ok)
	}
	if f.IsMasked() || f.Reason() != "" {
		t.Error("revealed field reported as masked")
	}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"plan":"continue"}` {
		t.Errorf("unexpected json %s", b)
	}
}

func TestField_Masked(t *testing.T) {
	f := Masked[string](string(ReasonAuthTagMismatch))
	v, ok := f.Value()
	if ok || v != "" {
		t.Errorf("expected masked value, got %q %v", v, ok)
	}
	if !f.IsMasked() || f.Reason() != "AUTH_TAG_MISMATCH" {
		t.Errorf("unexpected masked state: masked=%v reason=%q", f.IsMasked(), f.Reason())
	}
	b, _ := json.Marshal(f)
	if string(b) != "null" {
		t.Errorf("expected null, got %s", b)
	}
}

func TestField_InStruct(t *testing.T) {
	type row struct {
		ID      string        `json:"id"`
		Content Field[string] `json:"content"`
	}
	b, _ := json.Marshal([]row{{ID: "a", Content: Revealed("ok")}, {ID: "b", Content: Masked[string]("x")}})
	if string(b) != `[{"id":"a","content":"ok"},{"id":"b","content":null}]` {
		t.Errorf("unexpected json %s", b)
	}
}

func TestField_ZeroIsMasked(t *testing.T) {
	var f Field[int]
	if !f.IsMasked() {
		t.Error("zero field should be masked")
	}
}

func TestReasonOf(t *testing.T) {
	err := &DecryptError{Reason: ReasonKeyExpired, Err: ErrCorruptedData}
	if r, ok := ReasonOf(err); !ok || r != ReasonKeyExpired {
		t.Errorf("unexpected reason %s %v", r, ok)
	}
	if _, ok := ReasonOf(ErrCorruptedData); ok {
		t.Error("bare sentinel should not carry a reason")
	}
}
