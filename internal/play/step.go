package play

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Step types. A play definition is a list of steps; composite steps nest
// arbitrarily. Leaf ids must be unique across the whole tree because the
// engine identifies the current position by leaf id alone.
const (
	StepMove   = "move"
	StepRounds = "rounds"
	StepTurns  = "turns"
	StepGame   = "game" // reserved, rejected on use
)

// Step is a node in a play definition. The Type field selects which of the
// remaining fields are meaningful:
//
//	move:   Title, Text, TimeoutSeconds
//	rounds: Name (optional), Amount, Children
//	turns:  Name (optional), Children
//	game:   GameID (reserved extension point, not implemented)
type Step struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Title          string `json:"title,omitempty"`
	Text           string `json:"text,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Name           string `json:"name,omitempty"`
	Amount         int    `json:"amount,omitempty"`
	Children       []Step `json:"children,omitempty"`
	GameID         string `json:"game_id,omitempty"`
}

// Timeout returns the move timeout as a duration.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Key returns the environment variable key owned by a composite step:
// the explicit name when set, otherwise the step id.
func (s *Step) Key() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// IsLeaf returns true for move steps.
func (s *Step) IsLeaf() bool {
	return s.Type == StepMove
}

// ValidateSteps checks a play definition at authoring time: known step
// types, non-empty composite children, leaf ids unique across the tree.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidDefinition)
	}
	seen := make(map[string]bool)
	return validateSteps(steps, seen)
}

func validateSteps(steps []Step, seen map[string]bool) error {
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: step without id", ErrInvalidDefinition)
		}
		switch s.Type {
		case StepMove:
			if seen[s.ID] {
				return fmt.Errorf("%w: duplicate leaf id %s", ErrInvalidDefinition, s.ID)
			}
			seen[s.ID] = true
		case StepRounds:
			if s.Amount < 1 {
				return fmt.Errorf("%w: rounds step %s: amount must be at least 1", ErrInvalidDefinition, s.ID)
			}
			if len(s.Children) == 0 {
				return fmt.Errorf("%w: rounds step %s has no children", ErrInvalidDefinition, s.ID)
			}
			if err := validateSteps(s.Children, seen); err != nil {
				return err
			}
		case StepTurns:
			if len(s.Children) == 0 {
				return fmt.Errorf("%w: turns step %s has no children", ErrInvalidDefinition, s.ID)
			}
			if err := validateSteps(s.Children, seen); err != nil {
				return err
			}
		case StepGame:
			// Reserved. Validation passes; activation rejects.
		default:
			return fmt.Errorf("%w: step %s has unknown type %q", ErrInvalidDefinition, s.ID, s.Type)
		}
	}
	return nil
}

// LoadSteps loads a play definition from a JSON file.
func LoadSteps(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read play definition: %w", err)
	}

	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse play definition JSON: %w", err)
	}

	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	return steps, nil
}

// Environment maps a composite step's variable key to its current value:
// an int round counter for rounds steps, a player id string for turns
// steps. Values decoded from JSON arrive as float64 and are normalized.
type Environment map[string]interface{}

// Clone returns a shallow copy. Traversal never mutates a caller's
// environment in place.
func (e Environment) Clone() Environment {
	out := make(Environment, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Normalize converts JSON-decoded float64 counters back to int.
func (e Environment) Normalize() {
	for k, v := range e {
		if f, ok := v.(float64); ok {
			e[k] = int(f)
		}
	}
}

// roundValue reads an int round counter, tolerating float64 from JSON.
func roundValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// playerValue reads a player id variable.
func playerValue(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Substitute resolves (name) tokens in a move template against the
// environment. One pass over the input: each variable replaces its first
// matching token only, substituted values are never re-scanned, and a
// token with no matching variable is left verbatim.
func Substitute(template string, env Environment) string {
	if len(env) == 0 || !strings.Contains(template, "(") {
		return template
	}

	var b strings.Builder
	used := make(map[string]bool)
	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '(')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i

		closing := strings.IndexByte(template[open:], ')')
		if closing < 0 {
			b.WriteString(template[i:])
			break
		}
		closing += open

		name := template[open+1 : closing]
		if v, ok := env[name]; ok && !used[name] {
			b.WriteString(template[i:open])
			fmt.Fprintf(&b, "%v", v)
			used[name] = true
			i = closing + 1
		} else {
			b.WriteString(template[i : open+1])
			i = open + 1
		}
	}
	return b.String()
}
