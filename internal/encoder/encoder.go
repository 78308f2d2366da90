// Package encoder serializes batches into the LogGroup protobuf wire format
// and compresses the result.
//
// Wire schema:
//
//	message LogGroup { repeated Log logs = 1; }
//	message Log      { int64 time = 1; repeated Content contents = 2; }
//	message Content  { string key = 1; string value = 2; }
package encoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/klogsdk/klog-go/internal/compression"
	"github.com/klogsdk/klog-go/internal/record"
)

// Protobuf field numbers.
const (
	fieldLogGroupLogs protowire.Number = 1
	fieldLogTime      protowire.Number = 1
	fieldLogContents  protowire.Number = 2
	fieldContentKey   protowire.Number = 1
	fieldContentValue protowire.Number = 2
)

// MessageKey is the content key used for unstructured payloads.
const MessageKey = "message"

// Limits applied to a single record before it joins a batch.
const (
	MaxKeyCount  = 900
	MaxKeySize   = 1 << 20
	MaxValueSize = 1 << 20
	MaxLogSize   = 3_000_000
)

var (
	ErrKeyCount  = fmt.Errorf("KeyCountError(max=%d)", MaxKeyCount)
	ErrKeySize   = fmt.Errorf("KeySizeError(max=%dbytes)", MaxKeySize)
	ErrValueSize = fmt.Errorf("ValueSizeError(max=%dbytes)", MaxValueSize)
	ErrLogSize   = fmt.Errorf("LogSizeError(max=%dbytes)", MaxLogSize)
)

// EncodingError reports a batch that cannot be serialized.
type EncodingError struct {
	BatchID string
	Key     record.Key
	Index   int    // record index within the batch
	Field   string // offending field key
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode batch %s (%s): record %d field %q: %v", e.BatchID, e.Key, e.Index, e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// ErrUnsupportedValue is wrapped by EncodingError for values that have no
// string representation.
var ErrUnsupportedValue = errors.New("unsupported value type")

// Encoder turns batches into compressed payloads.
type Encoder struct {
	codec *compression.Codec
}

// New creates an Encoder that compresses with codec.
func New(codec *compression.Codec) *Encoder {
	return &Encoder{codec: codec}
}

// Compression returns the payload compression type.
func (e *Encoder) Compression() compression.Type {
	return e.codec.Type()
}

// Encode serializes and compresses b. It returns the compressed payload and
// the uncompressed size.
func (e *Encoder) Encode(b *record.Batch) ([]byte, int, error) {
	raw, err := Marshal(b)
	if err != nil {
		return nil, 0, err
	}
	out, err := e.codec.Compress(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("compress batch %s: %w", b.ID, err)
	}
	return out, len(raw), nil
}

// Marshal serializes b into an uncompressed LogGroup.
func Marshal(b *record.Batch) ([]byte, error) {
	buf := make([]byte, 0, b.ByteSize+16)
	for i := range b.Records {
		logBytes, field, err := marshalLog(&b.Records[i])
		if err != nil {
			return nil, &EncodingError{BatchID: b.ID, Key: b.Key, Index: i, Field: field, Err: err}
		}
		buf = protowire.AppendTag(buf, fieldLogGroupLogs, protowire.BytesType)
		buf = protowire.AppendBytes(buf, logBytes)
	}
	return buf, nil
}

// marshalLog encodes one Log message. On failure it returns the offending
// field key.
func marshalLog(r *record.Record) ([]byte, string, error) {
	buf := make([]byte, 0, 64)
	buf = protowire.AppendTag(buf, fieldLogTime, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Timestamp.UnixMilli()))

	if !r.Structured() {
		return appendContent(buf, MessageKey, r.Message), "", nil
	}
	for _, f := range r.Fields {
		v, err := FormatValue(f.Value)
		if err != nil {
			return nil, f.Key, err
		}
		buf = appendContent(buf, f.Key, v)
	}
	return buf, "", nil
}

func appendContent(buf []byte, key, value string) []byte {
	size := contentSize(key, value)
	buf = protowire.AppendTag(buf, fieldLogContents, protowire.BytesType)
	buf = protowire.AppendVarint(buf, uint64(size))
	buf = protowire.AppendTag(buf, fieldContentKey, protowire.BytesType)
	buf = protowire.AppendString(buf, key)
	buf = protowire.AppendTag(buf, fieldContentValue, protowire.BytesType)
	buf = protowire.AppendString(buf, value)
	return buf
}

func contentSize(key, value string) int {
	return protowire.SizeTag(fieldContentKey) + protowire.SizeBytes(len(key)) +
		protowire.SizeTag(fieldContentValue) + protowire.SizeBytes(len(value))
}

// Prepare formats every field value of r once and replaces it with its wire
// string, so later size accounting and serialization never call back into
// caller code. A value that cannot be formatted is replaced by a marker that
// fails Marshal for the whole batch. The field slice is copied.
func Prepare(r *record.Record) {
	if !r.Structured() {
		return
	}
	fields := make([]record.Field, len(r.Fields))
	for i, f := range r.Fields {
		s, err := FormatValue(f.Value)
		if err != nil {
			fields[i] = record.Field{Key: f.Key, Value: invalidValue{err: err}}
			continue
		}
		fields[i] = record.Field{Key: f.Key, Value: s}
	}
	r.Fields = fields
}

// invalidValue stands in for a value Prepare could not format.
type invalidValue struct {
	err error
}

// RecordSize returns the number of bytes r adds to an encoded LogGroup,
// including its framing. Values that cannot be formatted contribute nothing;
// Encode reports them.
func RecordSize(r *record.Record) int {
	n := protowire.SizeTag(fieldLogTime) + protowire.SizeVarint(uint64(r.Timestamp.UnixMilli()))
	if !r.Structured() {
		n += protowire.SizeTag(fieldLogContents) + protowire.SizeBytes(contentSize(MessageKey, r.Message))
	} else {
		for _, f := range r.Fields {
			v, err := FormatValue(f.Value)
			if err != nil {
				continue
			}
			n += protowire.SizeTag(fieldLogContents) + protowire.SizeBytes(contentSize(f.Key, v))
		}
	}
	return protowire.SizeTag(fieldLogGroupLogs) + protowire.SizeBytes(n)
}

// Check applies the per-record limits. A non-nil error means the record must
// be dropped on its own.
func Check(r *record.Record) error {
	if !r.Structured() {
		if len(r.Message) > MaxValueSize {
			return ErrValueSize
		}
		return nil
	}
	if len(r.Fields) > MaxKeyCount {
		return ErrKeyCount
	}
	for _, f := range r.Fields {
		if len(f.Key) > MaxKeySize {
			return ErrKeySize
		}
		// unformattable values are reported by Marshal
		if s, err := FormatValue(f.Value); err == nil && len(s) > MaxValueSize {
			return ErrValueSize
		}
	}
	return nil
}

// FormatValue renders a field value as the string stored on the wire. A
// panic raised by the value's own methods, such as Error on a nil pointer
// receiver, is returned as ErrUnsupportedValue.
func FormatValue(v any) (s string, err error) {
	defer func() {
		if p := recover(); p != nil {
			s, err = "", fmt.Errorf("%w: %T panicked: %v", ErrUnsupportedValue, v, p)
		}
	}()
	return formatValue(v)
}

func formatValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case time.Duration:
		return x.String(), nil
	case invalidValue:
		return "", x.err
	case error:
		return x.Error(), nil
	case fmt.Stringer:
		return x.String(), nil
	case map[string]any, []any, map[string]string, []string:
		data, err := json.Marshal(x)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}
