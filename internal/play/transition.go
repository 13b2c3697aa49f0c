package play

import "fmt"

// The transition engine is a nested-loop iterator encoded as pure
// functions over an implicit cursor. Session state is persisted as a flat
// record, so the current position must be reconstructible from
// (tree, leaf id, environment) alone on every call, including after a
// process restart. The tree is read-only; traversal never mutates an
// environment it was given.

// TransitionResult is the outcome of one Transition scan. Next is nil
// when the scanned level is exhausted: the caller either propagates
// upward or, at the top level, ends the session.
type TransitionResult struct {
	Current *Step
	Next    *Step
	Env     Environment
}

// FirstLeaf computes the first reachable leaf under step, together with
// the environment produced by entering it. Entering a composite defaults
// its variable only when absent, which preserves an in-progress counter
// when re-entering a not-yet-exhausted composite. Returns a nil leaf when
// the subtree holds no reachable leaf.
func FirstLeaf(step *Step, env Environment, players []string) (*Step, Environment, error) {
	switch step.Type {
	case StepMove:
		return step, env, nil

	case StepRounds:
		if len(step.Children) == 0 {
			return nil, nil, nil
		}
		leaf, lenv, err := FirstLeaf(&step.Children[0], env, players)
		if err != nil || leaf == nil {
			return nil, nil, err
		}
		key := step.Key()
		if _, ok := lenv[key]; !ok {
			lenv = lenv.Clone()
			lenv[key] = 1
		}
		return leaf, lenv, nil

	case StepTurns:
		if len(step.Children) == 0 || len(players) == 0 {
			return nil, nil, nil
		}
		leaf, lenv, err := FirstLeaf(&step.Children[0], env, players)
		if err != nil || leaf == nil {
			return nil, nil, err
		}
		key := step.Key()
		if _, ok := lenv[key]; !ok {
			lenv = lenv.Clone()
			lenv[key] = players[0]
		}
		return leaf, lenv, nil

	default:
		return nil, nil, fmt.Errorf("step %s: %w: %s", step.ID, ErrUnsupportedStepKind, step.Type)
	}
}

// FirstLeafOf scans a sibling list and returns the first leaf any sibling
// can reach. Used to start a session from the top of the tree.
func FirstLeafOf(steps []Step, env Environment, players []string) (*Step, Environment, error) {
	for i := range steps {
		leaf, lenv, err := FirstLeaf(&steps[i], env, players)
		if err != nil {
			return nil, nil, err
		}
		if leaf != nil {
			return leaf, lenv, nil
		}
	}
	return nil, nil, nil
}

// Transition computes the leaf following currentID in the sibling list,
// with the environment the new leaf should see. A nil result means the
// current leaf was not found at this level or below. A result with a nil
// Next means every repetition reachable from the current leaf at this
// level is spent.
func Transition(steps []Step, currentID string, env Environment, players []string) (*TransitionResult, error) {
	found := false
	var current *Step

	for i := range steps {
		s := &steps[i]

		if found {
			// The first later sibling that can produce a leaf supplies
			// the next position.
			leaf, lenv, err := FirstLeaf(s, env, players)
			if err != nil {
				return nil, err
			}
			if leaf != nil {
				return &TransitionResult{Current: current, Next: leaf, Env: lenv}, nil
			}
			continue
		}

		switch s.Type {
		case StepMove:
			if s.ID == currentID {
				found = true
				current = s
			}

		case StepRounds, StepTurns:
			rec, err := Transition(s.Children, currentID, env, players)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				continue
			}
			if rec.Next != nil {
				// Next step was found inside the composite; no loop-back
				// is needed at this level.
				return rec, nil
			}

			// The subtree below the current leaf is spent. Repeat the
			// composite if it has iterations left; the advanced variable
			// is folded into the new leaf's environment, not the outer
			// scope.
			key := s.Key()
			entry := rec.Env.Clone()
			repeat := false

			if s.Type == StepRounds {
				round, ok := roundValue(rec.Env[key])
				if !ok {
					round = 1
				}
				if round < s.Amount {
					entry[key] = round + 1
					repeat = true
				}
			} else {
				player, _ := playerValue(rec.Env[key])
				idx := playerIndex(players, player)
				if idx >= 0 && idx < len(players)-1 {
					entry[key] = players[idx+1]
					repeat = true
				}
			}

			if repeat {
				leaf, lenv, err := FirstLeaf(s, entry, players)
				if err != nil {
					return nil, err
				}
				if leaf != nil {
					return &TransitionResult{Current: rec.Current, Next: leaf, Env: lenv}, nil
				}
			}

			// Fully exhausted: the composite's variable leaves scope and
			// the scan continues with its own next sibling.
			found = true
			current = rec.Current
			env = rec.Env.Clone()
			delete(env, key)

		default:
			// Reserved step kinds cannot contain the current leaf; they
			// only reject when activation reaches them via FirstLeaf.
		}
	}

	if !found {
		return nil, nil
	}
	return &TransitionResult{Current: current, Env: env}, nil
}

func playerIndex(players []string, id string) int {
	for i, p := range players {
		if p == id {
			return i
		}
	}
	return -1
}
