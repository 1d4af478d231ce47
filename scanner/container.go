package scanner

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/sansecio/yargo/arena"
	"github.com/sansecio/yargo/ast"
)

// savedRuleset is the payload gob-encoded into the arena's single
// allocation. The Aho-Corasick automaton and compiled regex programs are
// derived, non-serializable state; Load rebuilds them with Compile
// instead of dumping their internal representation, which keeps the
// on-disk format stable across changes to the matcher library.
type savedRuleset struct {
	Source    *ast.RuleSet
	Opts      CompileOptions
	Externals map[string]any
}

// Save writes a compiled ruleset to w. It must not be called while a
// scan against r is in progress.
func (r *Rules) Save(w io.Writer) error {
	r.mu.Lock()
	if r.activeSlots != 0 {
		r.mu.Unlock()
		return fmt.Errorf("scanner: cannot save ruleset while %d scan(s) in progress", r.activeSlots)
	}
	saved := savedRuleset{Source: r.source, Opts: r.opts, Externals: r.externals}
	r.mu.Unlock()

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(&saved); err != nil {
		return fmt.Errorf("scanner: encoding ruleset: %w", err)
	}

	a := arena.New(payload.Len(), 0)
	ref, err := a.Allocate(payload.Len())
	if err != nil {
		return err
	}
	copy(a.Bytes(ref, payload.Len()), payload.Bytes())

	return a.Save(w)
}

// Load reads a compiled ruleset previously written by Save, recompiling
// it against the rule source that was saved alongside it.
func Load(r io.Reader) (*Rules, error) {
	a, err := arena.Load(r)
	if err != nil {
		return nil, err
	}
	payload := a.Bytes(arena.Ref{}, a.Size())

	var saved savedRuleset
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&saved); err != nil {
		return nil, fmt.Errorf("%w: %v", arena.ErrCorruptFile, err)
	}

	rules, err := CompileWithOptions(saved.Source, saved.Opts)
	if err != nil {
		return nil, fmt.Errorf("scanner: recompiling loaded ruleset: %w", err)
	}
	if len(saved.Externals) > 0 {
		rules.mu = sync.Mutex{}
		rules.externals = make(map[string]any, len(saved.Externals))
		for k, v := range saved.Externals {
			rules.externals[k] = v
		}
	}
	return rules, nil
}
