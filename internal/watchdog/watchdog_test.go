package watchdog

import (
	"encoding/json"
	"testing"
)

func TestEncodeTaskRoundTrip(t *testing.T) {
	spec := TaskSpec{
		Command:       "/home/guest/a.out",
		Stdin:         "5\n",
		TimeoutMS:     2000,
		MemoryLimitMB: 256,
		UID:           1000,
		GID:           1000,
	}
	b, err := EncodeTask(spec)
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected non-empty payload")
	}
	var got TaskSpec
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != spec {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, spec)
	}
}

func TestDecodeResultValid(t *testing.T) {
	raw := []byte(`{
		"exit_code": 0,
		"stdout": "42\n",
		"stderr": "",
		"timeMS": 12,
		"memoryKB": 1024,
		"TLE": false,
		"MLE": false,
		"OLE": false
	}`)
	r, err := DecodeResult(raw)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if r.ExitCode != 0 || r.Stdout != "42\n" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestDecodeResultUnknownFieldIsError(t *testing.T) {
	raw := []byte(`{
		"exit_code": 0,
		"stdout": "",
		"stderr": "",
		"timeMS": 1,
		"memoryKB": 1,
		"TLE": false,
		"MLE": false,
		"OLE": false,
		"unexpected": "field"
	}`)
	if _, err := DecodeResult(raw); err == nil {
		t.Fatalf("expected schema validation error for unknown field")
	}
}

func TestDecodeResultMissingFieldIsError(t *testing.T) {
	raw := []byte(`{"exit_code": 0, "stdout": "", "stderr": ""}`)
	if _, err := DecodeResult(raw); err == nil {
		t.Fatalf("expected schema validation error for missing fields")
	}
}
