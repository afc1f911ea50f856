package compressors

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func TestGetCompressor(t *testing.T) {
	tests := []struct {
		compression string
		extension   string
	}{
		{"gzip", ".gz"},
		{"zstd", ".zst"},
		{"lz4", ".lz4"},
		{"none", ""},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			c, err := GetCompressor(tt.compression)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Extension() != tt.extension {
				t.Errorf("Extension() = %q, want %q", c.Extension(), tt.extension)
			}
		})
	}

	if _, err := GetCompressor("brotli"); !errors.Is(err, ErrUnsupportedCompression) {
		t.Fatalf("expected ErrUnsupportedCompression, got %v", err)
	}
}

func TestGzipStreamIsReadableByGunzip(t *testing.T) {
	payload := strings.Repeat("id,name\n1,alpha\n", 1000)

	var buf bytes.Buffer
	w, err := NewGzipCompressor().NewWriter(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(w, strings.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != payload {
		t.Fatal("decompressed payload differs from input")
	}
}

func TestZstdStream(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewZstdCompressor().WithWorkers(1).NewWriter(&buf, 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("hello zstd")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello zstd" {
		t.Fatalf("got %q", got)
	}
}

func TestIsValidLevel(t *testing.T) {
	if !IsValidLevel("gzip", 1) || IsValidLevel("gzip", 10) {
		t.Error("gzip levels must be 1-9")
	}
	if !IsValidLevel("zstd", 22) || IsValidLevel("zstd", 0) {
		t.Error("zstd levels must be 1-22")
	}
	if !IsValidLevel("none", 0) || IsValidLevel("none", 1) {
		t.Error("none only accepts level 0")
	}
}
