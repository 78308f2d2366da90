// Package ingest turns line-oriented input into client pushes.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/klogsdk/klog-go/internal/record"
)

// Stdin is the input name that reads standard input.
const Stdin = "-"

// Pusher accepts records. *klog.Client implements it.
type Pusher interface {
	Push(project, pool, message string) error
	PushFields(project, pool string, fields ...record.Field) error
}

// Options controls how lines become records.
type Options struct {
	Project string
	Pool    string
	// JSON pushes lines holding a JSON object as fields in key order.
	// Other lines are pushed as messages.
	JSON bool
}

// Run reads every input concurrently until EOF, ctx ends or a push fails.
// It returns the number of records pushed.
func Run(ctx context.Context, inputs []string, stdin io.Reader, p Pusher, opts Options) (int64, error) {
	var total atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range inputs {
		g.Go(func() error {
			r, closeFn, err := open(name, stdin)
			if err != nil {
				return err
			}
			defer closeFn()
			n, err := Lines(ctx, r, p, opts)
			total.Add(n)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return total.Load(), err
}

func open(name string, stdin io.Reader) (io.Reader, func(), error) {
	if name == Stdin {
		return stdin, func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// Lines pushes each non-blank line of r and returns the number pushed.
func Lines(ctx context.Context, r io.Reader, p Pusher, opts Options) (int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line, readErr := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) != "" {
			if err := push(p, opts, line); err != nil {
				return n, err
			}
			n++
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return n, nil
			}
			return n, readErr
		}
	}
}

func push(p Pusher, opts Options, line string) error {
	if opts.JSON {
		if fields, ok := ParseObject(line); ok {
			return p.PushFields(opts.Project, opts.Pool, fields...)
		}
	}
	return p.Push(opts.Project, opts.Pool, line)
}

// ParseObject decodes a JSON object into fields, keeping key order. String
// values are unquoted, null becomes nil and every other value keeps its
// JSON text. It reports false when line is not a single JSON object.
func ParseObject(line string) ([]record.Field, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, false
	}

	fields := []record.Field{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := tok.(string)
		if !ok {
			return nil, false
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, false
		}
		fields = append(fields, record.Field{Key: key, Value: rawValue(raw)})
	}
	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return nil, false
	}
	// trailing data after the object
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return fields, true
}

func rawValue(raw json.RawMessage) any {
	switch {
	case bytes.Equal(raw, []byte("null")):
		return nil
	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
