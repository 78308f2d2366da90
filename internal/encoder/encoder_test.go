package encoder

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klogsdk/klog-go/internal/compression"
	"github.com/klogsdk/klog-go/internal/record"
)

type stringer struct{}

func (stringer) String() string { return "stringer!" }

type codeError struct{ code int }

func (e *codeError) Error() string { return "code " + strconv.Itoa(e.code) }

type labelStringer struct{ label string }

func (l *labelStringer) String() string { return l.label }

type countingStringer struct{ calls *int }

func (c countingStringer) String() string {
	*c.calls++
	return "counted"
}

func newEncoder(t *testing.T, typ compression.Type) *Encoder {
	t.Helper()
	codec, err := compression.New(compression.Config{Type: typ})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(codec.Close)
	return New(codec)
}

func batchOf(records ...record.Record) *record.Batch {
	b := record.NewBatch(record.Key{Project: "proj", Pool: "pool"}, time.Now())
	for _, r := range records {
		b.Add(r, RecordSize(&r))
	}
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	b := batchOf(
		record.Record{Message: "ha ha", Timestamp: ts},
		record.Record{Fields: []record.Field{
			{Key: "level", Value: "info"},
			{Key: "status", Value: 200},
			{Key: "ok", Value: true},
			{Key: "latency", Value: 1.5},
			{Key: "nested", Value: map[string]any{"a": 1}},
			{Key: "empty", Value: nil},
			{Key: "s", Value: stringer{}},
			{Key: "err", Value: errors.New("boom")},
		}, Timestamp: ts.Add(time.Second)},
	)

	for _, typ := range []compression.Type{compression.TypeNone, compression.TypeLZ4, compression.TypeZstd} {
		t.Run(string(typ), func(t *testing.T) {
			enc := newEncoder(t, typ)
			payload, rawSize, err := enc.Encode(b)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if rawSize != b.ByteSize {
				t.Errorf("raw size %d != accumulated size %d", rawSize, b.ByteSize)
			}

			logs, err := enc.Decode(payload)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(logs) != 2 {
				t.Fatalf("expected 2 logs, got %d", len(logs))
			}

			if logs[0].Time != 1700000000123 {
				t.Errorf("time = %d", logs[0].Time)
			}
			if len(logs[0].Contents) != 1 || logs[0].Contents[0] != (Content{Key: "message", Value: "ha ha"}) {
				t.Errorf("unexpected message contents: %+v", logs[0].Contents)
			}

			want := []Content{
				{"level", "info"},
				{"status", "200"},
				{"ok", "true"},
				{"latency", "1.5"},
				{"nested", `{"a":1}`},
				{"empty", ""},
				{"s", "stringer!"},
				{"err", "boom"},
			}
			if len(logs[1].Contents) != len(want) {
				t.Fatalf("expected %d contents, got %d", len(want), len(logs[1].Contents))
			}
			for i, w := range want {
				if logs[1].Contents[i] != w {
					t.Errorf("content %d = %+v, want %+v", i, logs[1].Contents[i], w)
				}
			}
		})
	}
}

func TestMarshalPreservesOrder(t *testing.T) {
	var recs []record.Record
	for i := 0; i < 500; i++ {
		recs = append(recs, record.Record{Message: strconv.Itoa(i), Timestamp: time.Now()})
	}
	raw, err := Marshal(batchOf(recs...))
	if err != nil {
		t.Fatal(err)
	}
	logs, err := Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	for i, l := range logs {
		if l.Contents[0].Value != strconv.Itoa(i) {
			t.Fatalf("log %d has value %q", i, l.Contents[0].Value)
		}
	}
}

func TestRecordSizeMatchesMarshal(t *testing.T) {
	recs := []record.Record{
		{Message: "", Timestamp: time.Unix(0, 0)},
		{Message: strings.Repeat("x", 300), Timestamp: time.Now()},
		{Fields: []record.Field{{Key: "k", Value: strings.Repeat("v", 200)}, {Key: "n", Value: -42}}, Timestamp: time.Now()},
		{Fields: []record.Field{}, Timestamp: time.Now()},
	}
	for i, r := range recs {
		raw, err := Marshal(batchOf(r))
		if err != nil {
			t.Fatal(err)
		}
		if got := RecordSize(&recs[i]); got != len(raw) {
			t.Errorf("record %d: RecordSize = %d, marshaled %d", i, got, len(raw))
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	enc := newEncoder(t, compression.TypeLZ4)
	ts := time.UnixMilli(42)
	b := batchOf(
		record.Record{Fields: []record.Field{{Key: "a", Value: 1}, {Key: "b", Value: "two"}}, Timestamp: ts},
		record.Record{Message: "three", Timestamp: ts},
	)
	p1, _, err := enc.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	p2, _, err := enc.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p1, p2) {
		t.Error("encoding is not deterministic")
	}
}

func TestEncodeUnsupportedValue(t *testing.T) {
	enc := newEncoder(t, compression.TypeLZ4)
	b := batchOf(
		record.Record{Message: "fine", Timestamp: time.Now()},
		record.Record{Fields: []record.Field{{Key: "ch", Value: make(chan int)}}, Timestamp: time.Now()},
	)

	_, _, err := enc.Encode(b)
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected *EncodingError, got %v", err)
	}
	if encErr.Index != 1 || encErr.Field != "ch" || encErr.BatchID != b.ID {
		t.Errorf("unexpected error details: %+v", encErr)
	}
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("expected ErrUnsupportedValue in chain, got %v", err)
	}
}

func TestFormatValueNestedUnsupported(t *testing.T) {
	_, err := FormatValue(map[string]any{"f": func() {}})
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("expected ErrUnsupportedValue, got %v", err)
	}
}

func TestFormatValueRecoversPanics(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nil pointer error", (*codeError)(nil)},
		{"nil pointer stringer", (*labelStringer)(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FormatValue(tt.in)
			if !errors.Is(err, ErrUnsupportedValue) {
				t.Errorf("expected ErrUnsupportedValue, got %v", err)
			}
		})
	}
	if got, err := FormatValue(&codeError{code: 7}); err != nil || got != "code 7" {
		t.Errorf("FormatValue = %q, %v", got, err)
	}
}

func TestPrepareFormatsOnce(t *testing.T) {
	var calls int
	var nilErr *codeError
	orig := []record.Field{
		{Key: "s", Value: countingStringer{calls: &calls}},
		{Key: "n", Value: 12},
		{Key: "bad", Value: nilErr},
	}
	r := record.Record{Fields: orig, Timestamp: time.UnixMilli(5)}
	Prepare(&r)

	if calls != 1 {
		t.Fatalf("String called %d times during Prepare", calls)
	}
	if r.Fields[0].Value != "counted" || r.Fields[1].Value != "12" {
		t.Errorf("fields not formatted: %+v", r.Fields)
	}
	if _, ok := orig[0].Value.(countingStringer); !ok {
		t.Error("Prepare must not modify the caller's fields")
	}

	_ = Check(&r)
	_, err := Marshal(batchOf(r))
	if calls != 1 {
		t.Errorf("caller code ran again after Prepare: %d calls", calls)
	}
	var encErr *EncodingError
	if !errors.As(err, &encErr) || encErr.Field != "bad" || !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected EncodingError for field bad, got %v", err)
	}

	good := record.Record{Fields: orig[:2], Timestamp: time.UnixMilli(5)}
	Prepare(&good)
	raw, err := Marshal(batchOf(good))
	if err != nil {
		t.Fatal(err)
	}
	if RecordSize(&good) != len(raw) {
		t.Errorf("RecordSize = %d, marshaled %d", RecordSize(&good), len(raw))
	}
}

func TestFormatValueScalars(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"s", "s"},
		{[]byte("b"), "b"},
		{int8(-8), "-8"},
		{uint64(18446744073709551615), "18446744073709551615"},
		{float32(0.25), "0.25"},
		{3 * time.Second, "3s"},
		{time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "2024-01-02T03:04:05Z"},
		{[]string{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		got, err := FormatValue(tt.in)
		if err != nil {
			t.Errorf("FormatValue(%v): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCheckLimits(t *testing.T) {
	many := make([]record.Field, MaxKeyCount+1)
	for i := range many {
		many[i] = record.Field{Key: strconv.Itoa(i), Value: i}
	}
	big := strings.Repeat("x", MaxValueSize+1)
	bigMap := map[string]any{"k": strings.Repeat("y", MaxValueSize)}

	tests := []struct {
		name string
		rec  record.Record
		want error
	}{
		{"ok message", record.Record{Message: "m"}, nil},
		{"ok fields", record.Record{Fields: []record.Field{{Key: "k", Value: "v"}}}, nil},
		{"too many keys", record.Record{Fields: many}, ErrKeyCount},
		{"key too large", record.Record{Fields: []record.Field{{Key: big, Value: "v"}}}, ErrKeySize},
		{"value too large", record.Record{Fields: []record.Field{{Key: "k", Value: big}}}, ErrValueSize},
		{"message too large", record.Record{Message: big}, ErrValueSize},
		{"bytes too large", record.Record{Fields: []record.Field{{Key: "k", Value: []byte(big)}}}, ErrValueSize},
		{"json too large", record.Record{Fields: []record.Field{{Key: "k", Value: bigMap}}}, ErrValueSize},
		{"stringer ok", record.Record{Fields: []record.Field{{Key: "k", Value: stringer{}}}}, nil},
		{"unformattable left to marshal", record.Record{Fields: []record.Field{{Key: "ch", Value: make(chan int)}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Check(&tt.rec); !errors.Is(got, tt.want) {
				t.Errorf("Check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0x0a, 0xff}); err == nil {
		t.Error("expected error for truncated log")
	}
}
