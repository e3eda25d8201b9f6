package snapstore

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/loom/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBytecodeSaveLoad(t *testing.T) {
	s := openTestStore(t)

	blob := []byte("compiled-bytecode")
	hash := sha256.Sum256(blob)
	if err := s.SaveBytecode("hello.lsl", hash, blob); err != nil {
		t.Fatalf("SaveBytecode: %v", err)
	}

	gotHash, gotBlob, err := s.LoadBytecode("hello.lsl")
	if err != nil {
		t.Fatalf("LoadBytecode: %v", err)
	}
	if gotHash != hash {
		t.Error("hash mismatch")
	}
	if !bytes.Equal(gotBlob, blob) {
		t.Error("blob mismatch")
	}
}

func TestBytecodeReplace(t *testing.T) {
	s := openTestStore(t)

	first := []byte("v1")
	second := []byte("v2")
	if err := s.SaveBytecode("a.lsl", sha256.Sum256(first), first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveBytecode("a.lsl", sha256.Sum256(second), second); err != nil {
		t.Fatal(err)
	}

	_, got, err := s.LoadBytecode("a.lsl")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("got %q, want the replacement blob", got)
	}
}

func TestBytecodeNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.LoadBytecode("missing.lsl")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshotSequence(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 3; i++ {
		env := wire.New("a.lsl", "loom 1.0", []byte{byte(i)})
		seq, err := s.SaveSnapshot("a.lsl", env)
		if err != nil {
			t.Fatalf("SaveSnapshot %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}

	env, err := s.LoadSnapshot("a.lsl", 2)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !bytes.Equal(env.Snapshot, []byte{2}) {
		t.Errorf("snapshot 2 holds %v", env.Snapshot)
	}

	latest, seq, err := s.Latest("a.lsl")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if seq != 3 || !bytes.Equal(latest.Snapshot, []byte{3}) {
		t.Errorf("latest = seq %d payload %v", seq, latest.Snapshot)
	}
}

func TestSnapshotSequencesIndependent(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.SaveSnapshot("a.lsl", wire.New("a.lsl", "loom 1.0", []byte("a"))); err != nil {
		t.Fatal(err)
	}
	seq, err := s.SaveSnapshot("b.lsl", wire.New("b.lsl", "loom 1.0", []byte("b")))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("first snapshot of b.lsl got seq %d, want 1", seq)
	}
}

func TestSnapshotNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadSnapshot("a.lsl", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadSnapshot err = %v, want ErrNotFound", err)
	}
	if _, _, err := s.Latest("a.lsl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest err = %v, want ErrNotFound", err)
	}
}

func TestDeleteScript(t *testing.T) {
	s := openTestStore(t)

	blob := []byte("code")
	if err := s.SaveBytecode("a.lsl", sha256.Sum256(blob), blob); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveSnapshot("a.lsl", wire.New("a.lsl", "loom 1.0", []byte("s"))); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("a.lsl"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.LoadBytecode("a.lsl"); !errors.Is(err, ErrNotFound) {
		t.Error("bytecode survived delete")
	}
	if _, _, err := s.Latest("a.lsl"); !errors.Is(err, ErrNotFound) {
		t.Error("snapshots survived delete")
	}
}

func TestList(t *testing.T) {
	s := openTestStore(t)

	code := []byte("code")
	if err := s.SaveBytecode("only-code.lsl", sha256.Sum256(code), code); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.SaveSnapshot("snapped.lsl", wire.New("snapped.lsl", "loom 1.0", []byte{byte(i)})); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d rows, want 2", len(infos))
	}
	if infos[0].ScriptID != "only-code.lsl" || infos[0].Snapshots != 0 {
		t.Errorf("row 0 = %+v", infos[0])
	}
	if infos[1].ScriptID != "snapped.lsl" || infos[1].Snapshots != 2 || infos[1].LatestSeq != 2 {
		t.Errorf("row 1 = %+v", infos[1])
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveSnapshot("a.lsl", wire.New("a.lsl", "loom 1.0", []byte("snap"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	env, seq, err := s2.Latest("a.lsl")
	if err != nil {
		t.Fatalf("Latest after reopen: %v", err)
	}
	if seq != 1 || !bytes.Equal(env.Snapshot, []byte("snap")) {
		t.Errorf("got seq %d payload %q", seq, env.Snapshot)
	}
}
