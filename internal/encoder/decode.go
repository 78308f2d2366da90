package encoder

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Content is a decoded key/value pair.
type Content struct {
	Key   string
	Value string
}

// Log is a decoded log entry. Time is unix milliseconds.
type Log struct {
	Time     int64
	Contents []Content
}

// Unmarshal decodes an uncompressed LogGroup.
func Unmarshal(data []byte) ([]Log, error) {
	var logs []Log
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("log group tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num != fieldLogGroupLogs || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("log group field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("log %d: %w", len(logs), protowire.ParseError(n))
		}
		data = data[n:]

		l, err := unmarshalLog(raw)
		if err != nil {
			return nil, fmt.Errorf("log %d: %w", len(logs), err)
		}
		logs = append(logs, l)
	}
	return logs, nil
}

func unmarshalLog(data []byte) (Log, error) {
	var l Log
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return l, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldLogTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return l, protowire.ParseError(n)
			}
			l.Time = int64(v)
			data = data[n:]
		case num == fieldLogContents && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return l, protowire.ParseError(n)
			}
			c, err := unmarshalContent(raw)
			if err != nil {
				return l, err
			}
			l.Contents = append(l.Contents, c)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return l, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return l, nil
}

func unmarshalContent(data []byte) (Content, error) {
	var c Content
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.BytesType || (num != fieldContentKey && num != fieldContentValue) {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		s, n := protowire.ConsumeString(data)
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		if num == fieldContentKey {
			c.Key = s
		} else {
			c.Value = s
		}
		data = data[n:]
	}
	return c, nil
}

// Decode decompresses payload with the encoder's codec and unmarshals it.
func (e *Encoder) Decode(payload []byte) ([]Log, error) {
	raw, err := e.codec.Decompress(payload)
	if err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}
