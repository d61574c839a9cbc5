package app

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunSelfTest(t *testing.T) {
	var out bytes.Buffer
	err := RunSelfTest(SelfTestOptions{Address: 2, Forced: 0x1000, Written: 0x1234, Out: &out})
	if err != nil {
		t.Fatalf("RunSelfTest: %v\n%s", err, out.String())
	}
	if got := strings.Count(out.String(), "[PASS]"); got != 4 {
		t.Errorf("PASS lines = %d, want 4:\n%s", got, out.String())
	}
}

func TestRunSelfTestRejectsEqualValues(t *testing.T) {
	if err := RunSelfTest(SelfTestOptions{Address: 2, Forced: 5, Written: 5}); err == nil {
		t.Fatal("expected error when forced and written values are equal")
	}
}
