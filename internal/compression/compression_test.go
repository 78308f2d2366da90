package compression

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"", TypeLZ4, false},
		{"LZ4", TypeLZ4, false},
		{"none", TypeNone, false},
		{" zstd ", TypeZstd, false},
		{"gzip", TypeGzip, false},
		{"brotli", TypeNone, true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestHeaderValue(t *testing.T) {
	if TypeNone.HeaderValue() != "" {
		t.Error("none must not advertise a compress type")
	}
	if TypeLZ4.HeaderValue() != "lz4" {
		t.Errorf("unexpected lz4 header: %q", TypeLZ4.HeaderValue())
	}
}

func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":   {},
		"short":   []byte("hello"),
		"text":    []byte(strings.Repeat("GET /index.html 200 1024\n", 4000)),
		"binary":  bytes.Repeat([]byte{0, 1, 2, 3, 255, 254}, 10000),
		"unicode": []byte(strings.Repeat("日志服务 ", 500)),
	}

	for _, typ := range []Type{TypeNone, TypeLZ4, TypeZstd, TypeGzip} {
		c, err := New(Config{Type: typ})
		if err != nil {
			t.Fatalf("New(%s): %v", typ, err)
		}
		for name, data := range payloads {
			t.Run(string(typ)+"/"+name, func(t *testing.T) {
				compressed, err := c.Compress(data)
				if err != nil {
					t.Fatalf("compress: %v", err)
				}
				got, err := c.Decompress(compressed)
				if err != nil {
					t.Fatalf("decompress: %v", err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
				}
			})
		}
		c.Close()
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	data := []byte(strings.Repeat("level=info msg=\"request served\" status=200\n", 2000))
	for _, typ := range []Type{TypeLZ4, TypeZstd, TypeGzip} {
		c, err := New(Config{Type: typ})
		if err != nil {
			t.Fatal(err)
		}
		out, err := c.Compress(data)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) >= len(data)/4 {
			t.Errorf("%s: compressed %d -> %d, expected a much smaller payload", typ, len(data), len(out))
		}
		c.Close()
	}
}

func TestLZ4Deterministic(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Type() != TypeLZ4 {
		t.Fatalf("default type = %s, want lz4", c.Type())
	}
	data := []byte(strings.Repeat("abcdefgh", 1000))
	a, _ := c.Compress(data)
	b, _ := c.Compress(data)
	if !bytes.Equal(a, b) {
		t.Error("identical input produced different output")
	}
}

func TestLZ4RejectsCorruptInput(t *testing.T) {
	if _, err := decompressLZ4([]byte{1, 2}); err == nil {
		t.Error("expected error for truncated header")
	}
	if _, err := decompressLZ4([]byte{0xff, 0xff, 0xff, 0xff, 0}); err == nil {
		t.Error("expected error for oversized declared length")
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := New(Config{Type: "brotli"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestConcurrentCompress(t *testing.T) {
	data := []byte(strings.Repeat("concurrent payload ", 1000))
	for _, typ := range []Type{TypeLZ4, TypeZstd} {
		c, err := New(Config{Type: typ})
		if err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					out, err := c.Compress(data)
					if err != nil {
						t.Error(err)
						return
					}
					back, err := c.Decompress(out)
					if err != nil || !bytes.Equal(back, data) {
						t.Errorf("%s: concurrent round trip failed: %v", typ, err)
						return
					}
				}
			}()
		}
		wg.Wait()
		c.Close()
	}
}
