package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"secupoints/core"
)

// Source provides the raw catalog document.
type Source interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
}

// FileSource reads the catalog from a path on every load.
type FileSource string

func (f FileSource) Name() string { return string(f) }

func (f FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(string(f))
}

// BytesSource serves an in-memory document.
type BytesSource struct {
	Label string
	Data  []byte
}

func (b BytesSource) Name() string {
	if b.Label == "" {
		return "inline"
	}
	return b.Label
}

func (b BytesSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.Data, nil
}

const opLoad = "load catalog"

// Load reads, validates and indexes a catalog. Structural or semantic
// problems return a core.ErrSchema error listing every violation.
func Load(ctx context.Context, src Source) (*Catalog, error) {
	data, err := src.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", src.Name(), err)
	}
	return Parse(src.Name(), data)
}

// Parse builds a catalog from raw YAML.
func Parse(name string, data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &core.Error{Kind: core.KindSchema, Op: opLoad, Subject: name, Message: "empty document"}
	}
	msgs, err := validateSchema(name, data)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		return nil, schemaErr(name, msgs)
	}

	doc, err := decode(data)
	if err != nil {
		return nil, schemaErr(name, []string{err.Error()})
	}
	if errs := validate(&doc); len(errs) > 0 {
		return nil, schemaErr(name, validationDetails(errs))
	}
	cat, err := build(doc)
	if err != nil {
		return nil, schemaErr(name, []string{err.Error()})
	}
	return cat, nil
}

func schemaErr(name string, details []string) error {
	e := core.SchemaError(opLoad, details).(*core.Error)
	e.Subject = name
	return e
}

func decode(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Document{}, errors.New("decode: expected a single YAML document")
	}
	return doc, nil
}

// Loader owns the current catalog snapshot. Readers call Current once per
// unit of work and keep using that snapshot even if a reload swaps it.
type Loader struct {
	src     Source
	log     *slog.Logger
	current atomic.Pointer[Catalog]
}

// NewLoader returns a loader for src. A nil logger selects slog.Default().
func NewLoader(src Source, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{src: src, log: log}
}

// Load performs the initial load.
func (l *Loader) Load(ctx context.Context) (*Catalog, error) {
	return l.Reload(ctx)
}

// Reload builds a complete new snapshot and swaps it in. On failure the
// previous snapshot keeps serving and the error is returned.
func (l *Loader) Reload(ctx context.Context) (*Catalog, error) {
	cat, err := Load(ctx, l.src)
	if err != nil {
		l.log.ErrorContext(ctx, "catalog load failed", "source", l.src.Name(), "error", err)
		return nil, err
	}
	l.reportCompileErrors(ctx, cat)
	prev := l.current.Swap(cat)
	attrs := []any{"source", l.src.Name(), "version", cat.Version(), "entries", cat.Len()}
	if prev != nil {
		attrs = append(attrs, "previous_entries", prev.Len())
	}
	l.log.InfoContext(ctx, "catalog loaded", attrs...)
	return cat, nil
}

// Current returns the active snapshot, nil before the first successful load.
func (l *Loader) Current() *Catalog {
	return l.current.Load()
}

// Source returns the configured source.
func (l *Loader) Source() Source { return l.src }

func (l *Loader) reportCompileErrors(ctx context.Context, cat *Catalog) {
	for _, id := range cat.IDs() {
		if r, ok := cat.RuleByID(id); ok {
			if _, err := r.Compiled(); err != nil {
				l.log.WarnContext(ctx, "rule condition does not compile; rule will never match", "rule_id", id, "error", err)
			}
			continue
		}
		if b, ok := cat.BadgeByID(id); ok && b.CompileErr() != nil {
			l.log.WarnContext(ctx, "badge filter does not compile; badge will not be granted", "badge_id", id, "error", b.CompileErr())
		}
	}
}
