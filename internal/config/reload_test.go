package config

import (
	"os"
	"testing"
	"time"
)

func TestOverrideWatcherReload(t *testing.T) {
	path := writeConfig(t, "overrides:\n  - address: 2\n    value: 0x1000\n")

	updates := make(chan map[uint16]uint16, 16)
	w, err := NewOverrideWatcher(path, func(m map[uint16]uint16) { updates <- m }, nil)
	if err != nil {
		t.Fatalf("NewOverrideWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("overrides:\n  - address: 5\n    value: 99\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-updates:
			if len(m) == 1 && m[5] == 99 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for override reload")
		}
	}
}

func TestOverrideWatcherInvalidFileKeepsTable(t *testing.T) {
	path := writeConfig(t, "overrides: []\n")

	var calls int
	w, err := NewOverrideWatcher(path, func(map[uint16]uint16) { calls++ }, nil)
	if err != nil {
		t.Fatalf("NewOverrideWatcher: %v", err)
	}
	w.Close()

	if err := os.WriteFile(path, []byte("overrides:\n  - address: 1\n    value: 1\n  - address: 1\n    value: 2\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := w.Reload(); err == nil {
		t.Error("expected error for duplicate override")
	}
	if calls != 0 {
		t.Errorf("onChange called %d times for invalid file", calls)
	}
}

func TestOverrideWatcherIgnoresEmptyFile(t *testing.T) {
	path := writeConfig(t, "")

	var calls int
	w, err := NewOverrideWatcher(path, func(map[uint16]uint16) { calls++ }, nil)
	if err != nil {
		t.Fatalf("NewOverrideWatcher: %v", err)
	}
	w.Close()

	if err := w.Reload(); err != nil {
		t.Errorf("Reload of empty file: %v", err)
	}
	if calls != 0 {
		t.Error("empty file should not publish an override table")
	}
}

func TestOverrideWatcherCloseIdempotent(t *testing.T) {
	w, err := NewOverrideWatcher(writeConfig(t, "overrides: []\n"), func(map[uint16]uint16) {}, nil)
	if err != nil {
		t.Fatalf("NewOverrideWatcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
