package kgraph

import (
	"errors"

	"github.com/brunobiangulo/kgraph/extract"
	"github.com/brunobiangulo/kgraph/llm"
	"github.com/brunobiangulo/kgraph/merge"
	"github.com/brunobiangulo/kgraph/parser"
	"github.com/brunobiangulo/kgraph/pipeline"
	"github.com/brunobiangulo/kgraph/query"
)

var (
	// ErrBusy is returned when an analysis is started while another runs.
	ErrBusy = pipeline.ErrBusy

	// ErrCancelled is the outcome of a stopped analysis. It is not a failure.
	ErrCancelled = pipeline.ErrCancelled

	// ErrParse is returned when model output does not match the expected
	// JSON shape.
	ErrParse = extract.ErrParse

	// ErrUpstream is returned when an LLM or embedding endpoint fails.
	ErrUpstream = llm.ErrUpstream

	// ErrTimeout is returned when a single LLM call exceeds its deadline.
	ErrTimeout = llm.ErrTimeout

	// ErrEmbedding is returned when the embedding service returns missing
	// or mismatched vectors.
	ErrEmbedding = merge.ErrEmbedding

	// ErrEmptyQuery is returned for a blank question.
	ErrEmptyQuery = query.ErrEmptyQuery

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = parser.ErrUnsupportedFormat

	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("kgraph: job not found")

	// ErrParsingFailed is returned when an input document cannot be read.
	ErrParsingFailed = errors.New("kgraph: parsing failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("kgraph: invalid configuration")

	// ErrNoInput is returned when there is no text to analyze.
	ErrNoInput = errors.New("kgraph: no input provided")
)
