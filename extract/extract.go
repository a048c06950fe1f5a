// Package extract turns text chunks into candidate entities and relations
// by prompting a chat model and strictly parsing its JSON reply.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/brunobiangulo/kgraph/graph"
	"github.com/brunobiangulo/kgraph/llm"
)

// ErrParse is returned when a model reply is not exactly the requested
// JSON list.
var ErrParse = errors.New("extract: malformed model output")

// Chatter is the slice of llm.Provider the extractor needs.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Extractor prompts a chat model for entities and relations.
type Extractor struct {
	chat  Chatter
	model string
}

// New returns an Extractor. An empty model defers to the provider's
// configured model.
func New(chat Chatter, model string) *Extractor {
	return &Extractor{chat: chat, model: model}
}

const entityPrompt = `Extract the named entities from the text below.

Respond with a JSON array and nothing else. No explanation, no markdown.
Each element must be an object with exactly these keys:
  "entity": the entity name as it appears in the text
  "type":   a short category such as person, organization, location, date, concept
Return [] if the text contains no entities.

Example: [{"entity": "Paris", "type": "location"}, {"entity": "Eiffel Tower", "type": "landmark"}]

TEXT:
%s`

const relationPrompt = `Given the text and the entity list below, extract the relations between the entities.

Respond with a JSON array and nothing else. No explanation, no markdown.
Each element must be an array of exactly three strings: ["subject", "relation", "object"].
Subjects and objects should be taken from the entity list.
Return [] if there are no relations.

Example: [["Eiffel Tower", "located in", "Paris"]]

TEXT:
%s

ENTITIES:
%s`

// Entities asks the model for the entities mentioned in chunk.
func (x *Extractor) Entities(ctx context.Context, chunk string) ([]graph.Entity, error) {
	raw, err := x.complete(ctx, fmt.Sprintf(entityPrompt, chunk))
	if err != nil {
		return nil, fmt.Errorf("extract: entity completion: %w", err)
	}
	ents, err := ParseEntities(raw)
	if err != nil {
		slog.Warn("extract: unparseable entity reply", "error", err, "reply", preview(raw))
		return nil, err
	}
	return ents, nil
}

// Relations asks the model for triples among entities found in chunk.
// No entities means no possible relations, so the model is not called.
func (x *Extractor) Relations(ctx context.Context, chunk string, entities []graph.Entity) ([]graph.Relation, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	list, err := json.Marshal(entities)
	if err != nil {
		return nil, err
	}
	raw, err := x.complete(ctx, fmt.Sprintf(relationPrompt, chunk, list))
	if err != nil {
		return nil, fmt.Errorf("extract: relation completion: %w", err)
	}
	rels, err := ParseRelations(raw)
	if err != nil {
		slog.Warn("extract: unparseable relation reply", "error", err, "reply", preview(raw))
		return nil, err
	}
	return rels, nil
}

func (x *Extractor) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := x.chat.Chat(ctx, llm.ChatRequest{
		Model:       x.model,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// listLiteral unwraps an optional code fence and insists that what is left
// is a single JSON array. Prose around the array is rejected.
func listLiteral(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = strings.TrimSpace(m[1])
	}
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return "", fmt.Errorf("%w: expected a JSON array", ErrParse)
	}
	return raw, nil
}

// decodeStrict decodes exactly one JSON value into v, refusing unknown
// object keys and trailing tokens.
func decodeStrict(body string, v any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after array", ErrParse)
	}
	return nil
}

type entityItem struct {
	Entity *string `json:"entity"`
	Type   *string `json:"type"`
}

// ParseEntities parses a reply of the form [{"entity": ..., "type": ...}].
func ParseEntities(raw string) ([]graph.Entity, error) {
	body, err := listLiteral(raw)
	if err != nil {
		return nil, err
	}
	var items []entityItem
	if err := decodeStrict(body, &items); err != nil {
		return nil, err
	}

	out := make([]graph.Entity, 0, len(items))
	for i, it := range items {
		if it.Entity == nil || it.Type == nil {
			return nil, fmt.Errorf("%w: element %d lacks entity or type", ErrParse, i)
		}
		name := strings.TrimSpace(*it.Entity)
		if name == "" {
			return nil, fmt.Errorf("%w: element %d has an empty entity name", ErrParse, i)
		}
		out = append(out, graph.Entity{Name: name, Type: strings.TrimSpace(*it.Type)})
	}
	return out, nil
}

// ParseRelations parses a reply of the form [["s", "p", "o"], ...].
func ParseRelations(raw string) ([]graph.Relation, error) {
	body, err := listLiteral(raw)
	if err != nil {
		return nil, err
	}
	var rels []graph.Relation
	if err := decodeStrict(body, &rels); err != nil {
		return nil, err
	}
	if rels == nil {
		rels = []graph.Relation{}
	}
	return rels, nil
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
