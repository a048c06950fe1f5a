package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Entity is a named thing found in text. Aliases collects the other
// surface forms that were merged into it and never contains Name itself.
type Entity struct {
	Name    string   `json:"entity"`
	Type    string   `json:"type"`
	Aliases []string `json:"aliases,omitempty"`
}

// Relation is a directed (subject, predicate, object) triple. On the wire
// it is a three-element JSON array.
type Relation struct {
	Subject   string
	Predicate string
	Object    string
}

// Key is the canonical string used to compare relations by meaning.
func (r Relation) Key() string {
	return r.Subject + " " + r.Predicate + " " + r.Object
}

func (r Relation) String() string {
	return fmt.Sprintf("(%s, %s, %s)", r.Subject, r.Predicate, r.Object)
}

func (r Relation) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{r.Subject, r.Predicate, r.Object})
}

// UnmarshalJSON accepts exactly three non-empty strings.
func (r *Relation) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("relation must be an array of strings: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("relation must have 3 elements, got %d", len(parts))
	}
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return fmt.Errorf("relation element %d is empty", i)
		}
	}
	r.Subject, r.Predicate, r.Object = parts[0], parts[1], parts[2]
	return nil
}
