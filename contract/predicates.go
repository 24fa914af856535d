package contract

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Predicate evaluates one named check from §4.5's catalogue against a
// candidate commit, the current path namespace, and the clause's argument
// list. It returns the unnegated truth value; PredicateClause.Negated is
// applied by the caller.
type Predicate func(c Commit, paths PathStore, args []string) (bool, error)

// PredicateRegistry maps predicate names to their evaluators. Grounded on
// vm/registry.go's Handler/Registry self-registration pattern, generalized
// from transaction-type dispatch to boolean predicate dispatch.
type PredicateRegistry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

// NewPredicateRegistry returns a registry preloaded with the minimum
// catalogue from §4.5.
func NewPredicateRegistry() *PredicateRegistry {
	r := &PredicateRegistry{preds: make(map[string]Predicate)}
	r.registerBuiltins()
	return r
}

// Register adds or overrides a predicate, letting a host embed a custom
// `wasm`-backed evaluator or domain-specific extensions without forking
// this package.
func (r *PredicateRegistry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[name] = p
}

// Evaluate looks up name and applies args against commit c, honoring the
// clause's polarity.
func (r *PredicateRegistry) Evaluate(clause PredicateClause, c Commit, paths PathStore) (bool, error) {
	r.mu.RLock()
	p, ok := r.preds[clause.Name]
	r.mu.RUnlock()
	if !ok {
		return false, newRejection(RejectUnknownPredicate, "predicate %q not registered", clause.Name)
	}
	result, err := p(c, paths, clause.Args)
	if err != nil {
		return false, err
	}
	if clause.Negated {
		return !result, nil
	}
	return result, nil
}

func pathValueString(paths PathStore, path string) (string, bool) {
	raw, ok := paths[path]
	if !ok {
		return "", false
	}
	s := strings.Trim(string(raw), `"`)
	return s, true
}

func (r *PredicateRegistry) registerBuiltins() {
	r.preds["signed_by"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 1 {
			return false, fmt.Errorf("signed_by: expected 1 arg, got %d", len(args))
		}
		id, ok := pathValueString(paths, args[0])
		if !ok {
			return false, nil
		}
		for _, signer := range c.Signers() {
			if signer == id {
				return true, nil
			}
		}
		return false, nil
	}

	r.preds["any_signed"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 1 {
			return false, fmt.Errorf("any_signed: expected 1 arg, got %d", len(args))
		}
		ids := pathPrefixValues(paths, args[0])
		signers := c.Signers()
		for _, id := range ids {
			for _, s := range signers {
				if s == id {
					return true, nil
				}
			}
		}
		return false, nil
	}

	r.preds["all_signed"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 1 {
			return false, fmt.Errorf("all_signed: expected 1 arg, got %d", len(args))
		}
		ids := pathPrefixValues(paths, args[0])
		if len(ids) == 0 {
			return false, nil
		}
		signers := c.Signers()
		for _, id := range ids {
			found := false
			for _, s := range signers {
				if s == id {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	}

	r.preds["threshold"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 2 {
			return false, fmt.Errorf("threshold: expected 2 args, got %d", len(args))
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("threshold: bad n: %w", err)
		}
		ids := pathPrefixValues(paths, args[1])
		signers := c.Signers()
		count := 0
		for _, id := range ids {
			for _, s := range signers {
				if s == id {
					count++
					break
				}
			}
		}
		return count >= n, nil
	}

	r.preds["modifies"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 1 {
			return false, fmt.Errorf("modifies: expected 1 arg, got %d", len(args))
		}
		return strings.HasPrefix(c.Path, args[0]), nil
	}

	r.preds["adds_rule"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		return c.Method == MethodRule, nil
	}

	r.preds["before"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		return timeComparison(c, paths, args, func(a, b time.Time) bool { return a.Before(b) })
	}

	r.preds["after"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		return timeComparison(c, paths, args, func(a, b time.Time) bool { return a.After(b) })
	}

	r.preds["oracle_attests"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) < 2 {
			return false, fmt.Errorf("oracle_attests: expected at least 2 args")
		}
		oraclePath, claim := args[0], args[1]
		attested, ok := pathValueString(paths, oraclePath+"."+claim)
		if !ok {
			return false, nil
		}
		if len(args) == 3 {
			return attested == args[2], nil
		}
		return attested == "true", nil
	}

	r.preds["hash_matches"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 2 {
			return false, fmt.Errorf("hash_matches: expected 2 args, got %d", len(args))
		}
		hash, hok := pathValueString(paths, args[0])
		text, tok := pathValueString(paths, args[1])
		if !hok || !tok {
			return false, nil
		}
		return hash == sha256OfString(text), nil
	}

	for name, cmp := range map[string]func(a, b float64) bool{
		"num_eq": func(a, b float64) bool { return a == b },
		"num_gt": func(a, b float64) bool { return a > b },
		"num_gte": func(a, b float64) bool { return a >= b },
		"num_lt": func(a, b float64) bool { return a < b },
		"num_lte": func(a, b float64) bool { return a <= b },
	} {
		cmp := cmp
		r.preds[name] = func(c Commit, paths PathStore, args []string) (bool, error) {
			if len(args) != 2 {
				return false, fmt.Errorf("%s: expected 2 args", "num comparison")
			}
			a, aok := numAt(paths, args[0])
			b, bok := numAt(paths, args[1])
			if !aok || !bok {
				return false, nil
			}
			return cmp(a, b), nil
		}
	}

	r.preds["text_eq"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 2 {
			return false, fmt.Errorf("text_eq: expected 2 args")
		}
		a, aok := pathValueString(paths, args[0])
		b, bok := pathValueString(paths, args[1])
		if !aok {
			a = args[0]
		}
		if !bok {
			b = args[1]
		}
		return a == b, nil
	}

	r.preds["bool_true"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 1 {
			return false, fmt.Errorf("bool_true: expected 1 arg")
		}
		v, ok := pathValueString(paths, args[0])
		return ok && v == "true", nil
	}

	r.preds["bool_false"] = func(c Commit, paths PathStore, args []string) (bool, error) {
		if len(args) != 1 {
			return false, fmt.Errorf("bool_false: expected 1 arg")
		}
		v, ok := pathValueString(paths, args[0])
		return ok && v == "false", nil
	}

	// wasm is not registered here: a host embedding WASM execution (for
	// invoke and for this predicate) adds it via Register. Without that, a
	// contract that references it fails loudly via RejectUnknownPredicate
	// rather than silently passing.
}

func pathPrefixValues(paths PathStore, prefix string) []string {
	var out []string
	for k, v := range paths {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.Trim(string(v), `"`))
		}
	}
	return out
}

func numAt(paths PathStore, ref string) (float64, bool) {
	if f, err := strconv.ParseFloat(ref, 64); err == nil {
		return f, true
	}
	s, ok := pathValueString(paths, ref)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// timeComparison compares a path-referenced RFC3339 timestamp against the
// commit's own Timestamp field, never the wall clock — replaying the same
// historical log later must produce the same verdict every time.
func timeComparison(c Commit, paths PathStore, args []string, cmp func(a, b time.Time) bool) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("time predicate: expected 1 arg")
	}
	s, ok := pathValueString(paths, args[0])
	if !ok {
		return false, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return false, fmt.Errorf("time predicate: parse %q: %w", s, err)
	}
	return cmp(t, time.Unix(c.Timestamp, 0).UTC()), nil
}
