package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned when no parser is registered for a format.
var ErrUnsupportedFormat = errors.New("parser: unsupported format")

type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&TextParser{}, &DOCXParser{}, &XLSXParser{}, &PDFParser{}} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return p, nil
}

func (r *Registry) Register(format string, p Parser) {
	r.parsers[strings.ToLower(format)] = p
}

// ForPath picks a parser by file extension.
func (r *Registry) ForPath(path string) (Parser, error) {
	return r.Get(strings.TrimPrefix(filepath.Ext(path), "."))
}

// ReadText parses the file at path and returns its text.
func (r *Registry) ReadText(ctx context.Context, path string) (string, error) {
	p, err := r.ForPath(path)
	if err != nil {
		return "", err
	}
	res, err := p.Parse(ctx, path)
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}
