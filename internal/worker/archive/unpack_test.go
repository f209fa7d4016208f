package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	appErr "arenajudge/pkg/errors"
)

type entry struct {
	name string
	body string
	mode int64
}

func tarBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0600
		}
		hdr := &tar.Header{Name: e.name, Mode: mode, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func writeTarGz(t *testing.T, path string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(tarBytes(t, entries)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
}

func writeTarZst(t *testing.T, path string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := zw.Write(tarBytes(t, entries)); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
}

func writeZip(t *testing.T, path string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
}

func readBot(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "bot", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestUnpackPrefersTarGzOverZip(t *testing.T) {
	dir := t.TempDir()
	writeZip(t, filepath.Join(dir, "entry.zip"), []entry{{name: "MyBot.py", body: "zip"}})
	writeTarGz(t, filepath.Join(dir, "entry.tar.gz"), []entry{{name: "MyBot.py", body: "targz"}})

	used, err := Unpack(dir, "bot")
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if used != "entry.tar.gz" {
		t.Fatalf("expected entry.tar.gz, got %s", used)
	}
	if got := readBot(t, dir, "MyBot.py"); got != "targz" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestUnpackFormatPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		present []string
		want    string
	}{
		{name: "tgz before zip", present: []string{"entry.tgz", "entry.zip"}, want: "entry.tgz"},
		{name: "zip before zst", present: []string{"entry.zip", "entry.tar.zst"}, want: "entry.zip"},
		{name: "zst alone", present: []string{"entry.tar.zst"}, want: "entry.tar.zst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, name := range tt.present {
				path := filepath.Join(dir, name)
				body := []entry{{name: "MyBot.go", body: name}}
				switch name {
				case "entry.zip":
					writeZip(t, path, body)
				case "entry.tar.zst":
					writeTarZst(t, path, body)
				default:
					writeTarGz(t, path, body)
				}
			}
			used, err := Unpack(dir, "bot")
			if err != nil {
				t.Fatalf("unpack: %v", err)
			}
			if used != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, used)
			}
			if got := readBot(t, dir, "MyBot.go"); got != tt.want {
				t.Fatalf("content from wrong archive: %q", got)
			}
		})
	}
}

func TestUnpackWithoutArchive(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "entry.rar"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Unpack(dir, "bot")
	if !appErr.Is(err, appErr.UnpackError) {
		t.Fatalf("expected UnpackError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "bot")); !os.IsNotExist(statErr) {
		t.Fatal("bot dir must not exist without an archive")
	}
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	writeTarGz(t, filepath.Join(dir, "entry.tar.gz"), []entry{{name: "../evil.sh", body: "rm -rf"}})

	_, err := Unpack(dir, "bot")
	if !appErr.Is(err, appErr.UnpackError) {
		t.Fatalf("expected UnpackError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "evil.sh")); !os.IsNotExist(statErr) {
		t.Fatal("entry escaped the bot dir")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "bot")); !os.IsNotExist(statErr) {
		t.Fatal("partial bot dir should be removed")
	}
}

func TestUnpackCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "entry.zip"), []byte("not a zip"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Unpack(dir, "bot"); !appErr.Is(err, appErr.UnpackError) {
		t.Fatalf("expected UnpackError, got %v", err)
	}
}

func TestUnpackNormalizesPermissions(t *testing.T) {
	dir := t.TempDir()
	writeTarGz(t, filepath.Join(dir, "entry.tar.gz"), []entry{
		{name: "src/MyBot.py", body: "print()", mode: 0600},
		{name: "run.sh", body: "#!/bin/sh", mode: 0700},
	})
	if _, err := Unpack(dir, "bot"); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	checks := map[string]os.FileMode{
		"bot":              0755,
		"bot/src":          0755,
		"bot/src/MyBot.py": 0644,
		"bot/run.sh":       0744,
	}
	for rel, want := range checks {
		info, err := os.Stat(filepath.Join(dir, rel))
		if err != nil {
			t.Fatalf("stat %s: %v", rel, err)
		}
		if info.Mode().Perm() != want {
			t.Fatalf("%s: expected %v, got %v", rel, want, info.Mode().Perm())
		}
	}
}
