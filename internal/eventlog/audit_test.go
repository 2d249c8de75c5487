package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAuditMirrorWritesCompressedFile(t *testing.T) {
	dir := t.TempDir()
	m := NewAuditMirror(dir)

	if err := m.Write(Entry{Index: 1, Kind: "PLAYER_JOIN", Body: []byte(`{"player_id":1}`)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Write(Entry{Index: 2, Kind: "SET_NODE_TARGET", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(ents) != 1 {
		t.Fatalf("expected exactly one rotated file, got %d", len(ents))
	}
	if filepath.Ext(ents[0].Name()) != ".zst" {
		t.Fatalf("expected a .zst file, got %s", ents[0].Name())
	}
	info, err := ents[0].Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty mirror file")
	}
}
