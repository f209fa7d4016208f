package integrity

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestHashKnownValue(t *testing.T) {
	if got := Hash([]byte("hello")); got != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("unexpected digest %s", got)
	}
}

func TestVerify(t *testing.T) {
	data := []byte(`{"post_id":1}`)
	d := Hash(data)
	if !Verify(data, d) {
		t.Fatal("expected digest to verify")
	}
	if !Verify(data, Digest(" "+string(bytes.ToUpper([]byte(d)))+"\n")) {
		t.Fatal("expected case and whitespace insensitive match")
	}
	if Verify(data, "ffffff") {
		t.Fatal("expected mismatch")
	}
	if Verify(data, "") {
		t.Fatal("empty digest must never match")
	}
}

func TestHashFileMatchesStreaming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.zip")
	payload := bytes.Repeat([]byte("bot"), 10000)
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromFile, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}

	h := NewHasher()
	if _, err := io.Copy(io.Discard, io.TeeReader(bytes.NewReader(payload), h)); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if h.Digest() != fromFile || fromFile != Hash(payload) {
		t.Fatalf("digests differ: %s %s %s", h.Digest(), fromFile, Hash(payload))
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error")
	}
}
