package queue

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, dir string, key *[keySize]byte) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(dir, "outbox.db"), key)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return s
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	key, err := LoadOrCreateKey(filepath.Join(dir, "queue.key"))
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	s := openTestStore(t, dir, key)
	for _, m := range []Message{
		msg("a1", "rA", "one"), msg("b1", "rB", "two"), msg("a2", "rA", "three"),
	} {
		ins, err := s.Put(m)
		if err != nil || !ins {
			t.Fatalf("put %s: inserted=%v err=%v", m.ID, ins, err)
		}
	}
	if ins, err := s.Put(msg("a1", "rA", "dupe")); err != nil || ins {
		t.Fatalf("duplicate put: inserted=%v err=%v", ins, err)
	}

	m, ok, err := s.Get("b1")
	if err != nil || !ok || m.Content != "two" {
		t.Fatalf("get b1: %+v ok=%v err=%v", m, ok, err)
	}

	m.Status = StatusFailed
	m.RetryCount = 2
	if err := s.Update(m); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Update(msg("ghost", "rX", "")); err == nil {
		t.Fatal("update of missing row succeeded")
	}

	inA, err := s.Room("rA")
	if err != nil || len(inA) != 2 || inA[0].ID != "a1" || inA[1].ID != "a2" {
		t.Fatalf("room order: %+v err=%v", inA, err)
	}

	// Reopen: rows, order and updates survive.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s = openTestStore(t, dir, key)
	defer s.Close()

	all, err := s.All()
	if err != nil || len(all) != 3 {
		t.Fatalf("all after reopen: %d err=%v", len(all), err)
	}
	if all[0].ID != "a1" || all[1].ID != "b1" || all[2].ID != "a2" {
		t.Fatalf("arrival order lost: %v %v %v", all[0].ID, all[1].ID, all[2].ID)
	}
	if all[1].Status != StatusFailed || all[1].RetryCount != 2 {
		t.Fatalf("update lost on reopen: %+v", all[1])
	}

	if err := s.Delete("b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.ClearRoom("rA"); err != nil {
		t.Fatalf("clear room: %v", err)
	}
	if n, _ := s.Len(); n != 0 {
		t.Fatalf("len after clear: %d", n)
	}
}

func TestSQLiteSealedAtRest(t *testing.T) {
	dir := t.TempDir()
	key, err := LoadOrCreateKey(filepath.Join(dir, "queue.key"))
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	secret := "confidential-lab-result-for-pt-jones"
	s := openTestStore(t, dir, key)
	if _, err := s.Put(msg("m1", "r1", secret)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var raw []byte
	for _, name := range []string{"outbox.db", "outbox.db-wal"} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			raw = append(raw, b...)
		}
	}
	if bytes.Contains(raw, []byte(secret)) {
		t.Fatal("message content readable in outbox file")
	}

	// The wrong key cannot open the rows.
	var wrong [keySize]byte
	wrong[0] = 0xFF
	s2 := openTestStore(t, dir, &wrong)
	defer s2.Close()
	if _, _, err := s2.Get("m1"); err == nil {
		t.Fatal("row decrypted with the wrong key")
	}
}

func TestSQLitePlaintextWithoutKey(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, nil)
	if _, err := s.Put(msg("m1", "r1", "plain")); err != nil {
		t.Fatalf("put: %v", err)
	}
	m, ok, err := s.Get("m1")
	if err != nil || !ok || m.Content != "plain" {
		t.Fatalf("get: %+v ok=%v err=%v", m, ok, err)
	}
	s.Close()
}

func TestKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.key")

	k1, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode %v, want 0600", info.Mode().Perm())
	}

	k2, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if *k1 != *k2 {
		t.Fatal("reload returned a different key")
	}

	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := LoadOrCreateKey(path); err == nil {
		t.Fatal("truncated key file accepted")
	}
}

func TestSealOpen(t *testing.T) {
	var key [keySize]byte
	key[3] = 7

	sealed, err := seal(&key, []byte("body"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	body, err := open(&key, sealed)
	if err != nil || string(body) != "body" {
		t.Fatalf("open: %q err=%v", body, err)
	}

	sealed[len(sealed)-1] ^= 0x01
	if _, err := open(&key, sealed); err == nil {
		t.Fatal("tampered payload opened")
	}
	if _, err := open(&key, []byte("tiny")); err == nil {
		t.Fatal("short payload opened")
	}
}
