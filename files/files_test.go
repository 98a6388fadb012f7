package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":         "report.pdf",
		"../../etc/passwd":   "passwd",
		`C:\Users\me\a.txt`:  "a.txt",
		"..":                 "upload",
		"":                   "upload",
		".hidden":            "hidden",
		"my file (1).txt":    "my_file__1_.txt",
		"name|with|pipe.bin": "name_with_pipe.bin",
	}
	for input, expected := range cases {
		if got := SanitizeFilename(input); got != expected {
			t.Fatalf("SanitizeFilename(%q) = %q, expected %q", input, got, expected)
		}
	}
}

func TestSanitizeFilenameKeepsExtensionWhenTruncating(t *testing.T) {
	name := strings.Repeat("a", 400) + ".tar"
	got := SanitizeFilename(name)
	if len(got) != maxFilenameLength || !strings.HasSuffix(got, ".tar") {
		t.Fatalf("unexpected truncation %q (%d bytes)", got, len(got))
	}
}

func TestDestinationNameIsNamespacedByPeer(t *testing.T) {
	got := DestinationName("127.0.0.1:5000", "../secret.txt")
	if got != "127.0.0.1_5000_secret.txt" {
		t.Fatalf("unexpected destination name %q", got)
	}
	if DestinationName("", "a.txt") != "peer_a.txt" {
		t.Fatalf("expected fallback peer prefix")
	}
}

func TestOpenSinkNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	sinks, err := NewDirSinks(filepath.Join(dir, "received"))
	if err != nil {
		t.Fatalf("NewDirSinks failed: %v", err)
	}

	first, firstPath, err := sinks.OpenSink("127.0.0.1:5000", "a.txt")
	if err != nil {
		t.Fatalf("first OpenSink failed: %v", err)
	}
	if _, err := first.Write([]byte("first")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, secondPath, err := sinks.OpenSink("127.0.0.1:5000", "a.txt")
	if err != nil {
		t.Fatalf("second OpenSink failed: %v", err)
	}
	defer second.Close()

	if secondPath == firstPath {
		t.Fatalf("expected a fresh path for the second sink")
	}
	if filepath.Dir(secondPath) != sinks.Dir() || !strings.HasSuffix(secondPath, ".txt") {
		t.Fatalf("unexpected collision path %q", secondPath)
	}

	raw, err := os.ReadFile(firstPath)
	if err != nil {
		t.Fatalf("read first file failed: %v", err)
	}
	if string(raw) != "first" {
		t.Fatalf("first file was modified: %q", raw)
	}
}

func TestFileSinkDigestMatchesSourceDigest(t *testing.T) {
	sinks, err := NewDirSinks(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirSinks failed: %v", err)
	}
	writer, path, err := sinks.OpenSink("peer", "data.bin")
	if err != nil {
		t.Fatalf("OpenSink failed: %v", err)
	}
	sink := writer.(*FileSink)

	payload := []byte(strings.Repeat("0123456789", 1000))
	for offset := 0; offset < len(payload); offset += 4096 {
		end := min(offset+4096, len(payload))
		if _, err := sink.Write(payload[offset:end]); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if sink.Digest() != "" {
		t.Fatalf("digest must stay empty until close")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second close should return the first result, got %v", err)
	}

	if sink.Written() != int64(len(payload)) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), sink.Written())
	}
	if sink.Digest() != DigestBytes(payload) {
		t.Fatalf("sink digest differs from DigestBytes")
	}
	fileDigest, err := DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}
	if fileDigest != sink.Digest() {
		t.Fatalf("DigestFile differs from sink digest")
	}
}

func TestOpenSourceRejectsDirectories(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenSource(dir); err == nil {
		t.Fatalf("expected directory source to be rejected")
	}

	path := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	source, err := OpenSource(path)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer source.Close()
	if source.Name() != "in.txt" || source.Size() != 3 || !filepath.IsAbs(source.Path()) {
		t.Fatalf("unexpected source metadata %q %d %q", source.Name(), source.Size(), source.Path())
	}
}
