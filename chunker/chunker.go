package chunker

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxSize is the byte budget used when Config.MaxSize is zero.
const DefaultMaxSize = 2000

// boundaries are the sentence and clause separators a chunk may end on,
// Latin and CJK punctuation alike. A chunk always ends after the
// boundary, never inside it.
var boundaries = []string{
	".", "。", "．",
	"?", "？",
	"!", "！",
	";", "；",
	"\n", "\r\n",
	"…", "...",
	"—", "―",
	"·", "•",
	"、", "，",
	"：", ":",
}

// Config controls the chunking behaviour.
type Config struct {
	MaxSize int // Maximum chunk length in bytes.
}

// Chunker splits raw text into bounded, trimmed pieces for extraction.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	return &Chunker{cfg: cfg}
}

// MaxSize reports the effective byte budget.
func (c *Chunker) MaxSize() int { return c.cfg.MaxSize }

// Split breaks text into ordered chunks of at most MaxSize bytes.
//
// While the remainder is longer than MaxSize, the cut lands just after
// the rightmost boundary inside the first MaxSize bytes. With no boundary
// in range the cut falls back to MaxSize, moved left to the nearest rune
// start so multi-byte characters are never split. A single rune wider
// than MaxSize becomes its own chunk. Chunks are whitespace-trimmed and
// empty ones are dropped, so blank input yields no chunks.
func (c *Chunker) Split(text string) []string {
	maxSize := c.cfg.MaxSize
	var chunks []string

	rest := strings.TrimSpace(text)
	for len(rest) > maxSize {
		cut := boundaryCut(rest[:maxSize])
		if cut <= 0 {
			cut = runeSafeCut(rest, maxSize)
		}
		if chunk := strings.TrimSpace(rest[:cut]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// boundaryCut returns the offset just past the rightmost boundary in
// window, or -1.
func boundaryCut(window string) int {
	cut := -1
	for _, b := range boundaries {
		if pos := strings.LastIndex(window, b); pos >= 0 && pos+len(b) > cut {
			cut = pos + len(b)
		}
	}
	return cut
}

// runeSafeCut returns the largest rune-aligned offset <= maxSize, or the
// width of the first rune when that rune alone exceeds maxSize.
// len(text) must be greater than maxSize.
func runeSafeCut(text string, maxSize int) int {
	cut := maxSize
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(text)
		cut = size
	}
	return cut
}
