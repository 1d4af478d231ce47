// Package scanner provides YARA rule scanning using Aho-Corasick algorithm.
package scanner

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sansecio/yargo/ahocorasick"
	regexp "github.com/wasilibs/go-re2"

	"github.com/sansecio/yargo/ast"
)

// ScanFlags controls scanning behavior.
type ScanFlags int

const (
	// ProcessMemory marks a scan as running against a live process's
	// address space rather than a file or buffer. Callers that enumerate
	// process memory into Blocks (an external collaborator, out of scope
	// here) set this before calling ScanBlocks.
	ProcessMemory ScanFlags = 1 << iota
)

// ScanCallback is the interface for receiving match notifications.
type ScanCallback interface {
	RuleMatching(r *MatchRule) (abort bool, err error)
}

// MatchString represents a matched string within a rule.
type MatchString struct {
	Name string
	Data []byte
}

// Meta represents a metadata entry from a rule.
type Meta struct {
	Identifier string
	Value      any
}

// MatchRule represents a rule that matched during scanning.
type MatchRule struct {
	Rule    string
	Metas   []Meta
	Strings []MatchString
}

// Meta returns the value of the meta field with the given identifier, or nil.
func (m *MatchRule) Meta(identifier string) any {
	for _, meta := range m.Metas {
		if meta.Identifier == identifier {
			return meta.Value
		}
	}
	return nil
}

// MetaString returns the string value of the meta field, or defValue if missing or not a string.
func (m *MatchRule) MetaString(identifier, defValue string) string {
	if val, ok := m.Meta(identifier).(string); ok {
		return val
	}
	return defValue
}

// MatchRules collects matching rules and implements ScanCallback.
type MatchRules []MatchRule

// RuleMatching implements ScanCallback, collecting all matching rules.
func (m *MatchRules) RuleMatching(r *MatchRule) (abort bool, err error) {
	*m = append(*m, *r)
	return false, nil
}

// patternRef maps a pattern index back to its source rule and string.
type patternRef struct {
	ruleIndex  int
	stringName string
	fullword   bool
	isAtom     bool
	regexIdx   int
}

// regexPattern holds a compiled regex for complex regex matching.
type regexPattern struct {
	re         *regexp.Regexp
	ruleIndex  int
	stringName string
	hasAtom    bool
}

// compiledRule holds the compiled form of a single YARA rule.
type compiledRule struct {
	name        string
	namespace   string
	global      bool
	private     bool
	metas       []Meta
	condition   ast.Expr
	stringNames []string
}

// MaxScanThreads bounds the number of scans that may run concurrently
// against one Rules value, mirroring a frozen ruleset's fixed-width
// thread-slot bitmask.
const MaxScanThreads = 32

// ErrTooManyScanThreads is returned when MaxScanThreads concurrent scans
// are already in progress against a Rules value.
var ErrTooManyScanThreads = errors.New("scanner: too many concurrent scans")

// ErrUnknownVariable reports an unknown external variable name.
// DefineVariable does not return it: it accepts any identifier, whether
// or not a rule in the compiled set references it.
var ErrUnknownVariable = errors.New("scanner: unknown external variable")

// Rules holds compiled YARA rules ready for scanning.
type Rules struct {
	rules         []*compiledRule
	matcher       *ahocorasick.AhoCorasick
	patterns      [][]byte
	patternMap    []patternRef
	regexPatterns []*regexPattern

	mu          sync.Mutex
	externals   map[string]any
	activeSlots int

	// source and opts are retained so Save can serialize the original
	// rule set rather than its derived, non-serializable matcher state
	// (the Aho-Corasick automaton and compiled regexes are rebuilt by
	// Load via a fresh Compile call).
	source *ast.RuleSet
	opts   CompileOptions
}

// Stats returns compilation statistics.
func (r *Rules) Stats() (acPatterns, regexPatterns int) {
	return len(r.patterns), len(r.regexPatterns)
}

// NumRules returns the number of compiled rules.
func (r *Rules) NumRules() int {
	return len(r.rules)
}

// DefineVariable sets an external variable's value, readable from rule
// conditions as a bare identifier. It must not be called while a scan
// against this Rules value is in progress.
func (r *Rules) DefineVariable(identifier string, value any) error {
	switch value.(type) {
	case bool, int64, string:
	default:
		return fmt.Errorf("scanner: unsupported external variable type %T", value)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.externals == nil {
		r.externals = make(map[string]any)
	}
	r.externals[identifier] = value
	return nil
}

func (r *Rules) acquireSlot() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeSlots >= MaxScanThreads {
		return ErrTooManyScanThreads
	}
	r.activeSlots++
	return nil
}

func (r *Rules) releaseSlot() {
	r.mu.Lock()
	r.activeSlots--
	r.mu.Unlock()
}

func (r *Rules) snapshotExternals() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.externals) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.externals))
	for k, v := range r.externals {
		out[k] = v
	}
	return out
}

const maxMatchLen = 1024

type matchInfo struct {
	pos  int
	data []byte
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') ||
		b == '_'
}

func checkWordBoundary(buf []byte, start, end int) bool {
	if start > 0 && isWordChar(buf[start-1]) {
		return false
	}
	if end < len(buf) && isWordChar(buf[end]) {
		return false
	}
	return true
}

// ScanMem scans a byte buffer for matching rules. Global rules that
// evaluate false suppress every other rule in their namespace; private
// rules are evaluated (so other conditions can reference them) but never
// reach the callback.
func (r *Rules) ScanMem(buf []byte, flags ScanFlags, timeout time.Duration, cb ScanCallback) error {
	if err := r.acquireSlot(); err != nil {
		return err
	}
	defer r.releaseSlot()

	var cancel context.CancelFunc
	scanCtx := context.Background()
	if timeout > 0 {
		scanCtx, cancel = context.WithTimeout(scanCtx, timeout)
		defer cancel()
	}

	ruleMatches := make(map[int]map[string][]matchInfo)
	atomCandidates := make(map[int][]int)

	if r.matcher != nil {
		iter := r.matcher.IterOverlappingByte(buf)
		for match := iter.Next(); match != nil; match = iter.Next() {
			ref := r.patternMap[match.Pattern()]

			if ref.isAtom {
				atomCandidates[ref.regexIdx] = append(atomCandidates[ref.regexIdx], match.Start())
				continue
			}

			if ref.fullword && !checkWordBoundary(buf, match.Start(), match.End()) {
				continue
			}

			data := make([]byte, match.End()-match.Start())
			copy(data, buf[match.Start():match.End()])
			addMatch(ruleMatches, ref.ruleIndex, ref.stringName, match.Start(), data)
		}
	}

	halfWindow := maxMatchLen / 2
	for regexIdx, positions := range atomCandidates {
		rp := r.regexPatterns[regexIdx]
		positions = dedupe(positions)

		for _, pos := range positions {
			start := max(0, pos-halfWindow)
			end := min(len(buf), pos+halfWindow)

			if loc := rp.re.FindIndex(buf[start:end]); loc != nil {
				matchStart := start + loc[0]
				matchEnd := start + loc[1]
				data := make([]byte, matchEnd-matchStart)
				copy(data, buf[matchStart:matchEnd])
				addMatch(ruleMatches, rp.ruleIndex, rp.stringName, matchStart, data)
				break
			}
		}
	}

	for _, rp := range r.regexPatterns {
		if rp.hasAtom {
			continue
		}
		if loc := rp.re.FindIndex(buf); loc != nil {
			data := make([]byte, loc[1]-loc[0])
			copy(data, buf[loc[0]:loc[1]])
			addMatch(ruleMatches, rp.ruleIndex, rp.stringName, loc[0], data)
		}
	}

	externals := r.snapshotExternals()
	ruleResults := make(map[string]bool, len(r.rules))
	namespaceUnsatisfiedGlobal := make(map[string]bool)

	type reportEntry struct {
		cr      *compiledRule
		ruleIdx int
		matched bool
	}
	report := make([]reportEntry, 0, len(r.rules))

	// Rules are evaluated in declaration order (matching ruleMatches'
	// insertion order by ruleIdx) so a condition may reference an
	// already-evaluated private rule or trigger global suppression for
	// rules later in the same namespace.
	for ruleIdx, cr := range r.rules {
		select {
		case <-scanCtx.Done():
			return scanCtx.Err()
		default:
		}

		matchedStrings := ruleMatches[ruleIdx]
		matchPositions := make(map[string][]int, len(matchedStrings))
		for name, infos := range matchedStrings {
			positions := make([]int, len(infos))
			for i, info := range infos {
				positions[i] = info.pos
			}
			matchPositions[name] = positions
		}

		evalCtx := &evalContext{
			matches:     matchPositions,
			buf:         buf,
			stringNames: cr.stringNames,
			externals:   externals,
			ruleResults: ruleResults,
		}
		matched := evalExpr(cr.condition, evalCtx)
		ruleResults[cr.name] = matched

		if cr.global && !matched {
			namespaceUnsatisfiedGlobal[cr.namespace] = true
		}

		if cr.private {
			continue
		}
		report = append(report, reportEntry{cr: cr, ruleIdx: ruleIdx, matched: matched})
	}

	for _, entry := range report {
		effectiveMatch := entry.matched && !namespaceUnsatisfiedGlobal[entry.cr.namespace]
		if !effectiveMatch {
			continue
		}

		matchedStrings := ruleMatches[entry.ruleIdx]
		strs := make([]MatchString, 0, len(matchedStrings))
		for name, infos := range matchedStrings {
			for _, info := range infos {
				strs = append(strs, MatchString{Name: name, Data: info.data})
			}
		}

		abort, err := cb.RuleMatching(&MatchRule{
			Rule:    entry.cr.name,
			Metas:   entry.cr.metas,
			Strings: strs,
		})
		if err != nil {
			return err
		}
		if abort {
			return nil
		}
	}

	return nil
}

// ScanFile scans a file for matching rules using memory mapping for efficiency.
// This allows scanning large files without loading them entirely into memory.
func (r *Rules) ScanFile(filename string, flags ScanFlags, timeout time.Duration, cb ScanCallback) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return r.ScanFd(f.Fd(), flags, timeout, cb)
}

// ScanFd scans an already-open file descriptor, memory-mapping its
// contents for the duration of the scan.
func (r *Rules) ScanFd(fd uintptr, flags ScanFlags, timeout time.Duration, cb ScanCallback) error {
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return err
	}
	size := st.Size
	if size == 0 {
		return r.ScanMem(nil, flags, timeout, cb)
	}

	data, err := unix.Mmap(int(fd), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	defer func() { _ = unix.Munmap(data) }()

	return r.ScanMem(data, flags, timeout, cb)
}

// Block is one descriptor in the memory-block list driving a ScanBlocks
// call: Data starting at logical address Base within the scanned address
// space.
type Block struct {
	Data []byte
	Base uint64
}

// ScanBlocks scans a sequence of memory blocks, evaluating every rule's
// condition against the union of matches found across all blocks. This
// mirrors scanning a single logically-contiguous buffer assembled from
// process memory regions or other non-contiguous sources.
func (r *Rules) ScanBlocks(blocks []Block, flags ScanFlags, timeout time.Duration, cb ScanCallback) error {
	if len(blocks) == 0 {
		return r.ScanMem(nil, flags, timeout, cb)
	}
	if len(blocks) == 1 {
		return r.ScanMem(blocks[0].Data, flags, timeout, cb)
	}
	total := 0
	for _, b := range blocks {
		total += len(b.Data)
	}
	buf := make([]byte, 0, total)
	for _, b := range blocks {
		buf = append(buf, b.Data...)
	}
	return r.ScanMem(buf, flags, timeout, cb)
}

func addMatch(m map[int]map[string][]matchInfo, ruleIdx int, stringName string, pos int, data []byte) {
	if m[ruleIdx] == nil {
		m[ruleIdx] = make(map[string][]matchInfo)
	}
	m[ruleIdx][stringName] = append(m[ruleIdx][stringName], matchInfo{pos: pos, data: data})
}

func dedupe(positions []int) []int {
	if len(positions) <= 1 {
		return positions
	}
	slices.Sort(positions)
	j := 1
	for i := 1; i < len(positions); i++ {
		if positions[i] != positions[j-1] {
			positions[j] = positions[i]
			j++
		}
	}
	return positions[:j]
}

// RegexTiming holds the timing result for a single regex pattern.
type RegexTiming struct {
	Rule           string
	String         string
	Pattern        string
	MatchedAtoms   []string // Atoms that actually matched in the buffer
	ExtractedAtoms []string // All atoms extracted from the regex
	Duration       time.Duration
	Calls          int
}

type atomCandidate struct {
	positions []int
	atoms     map[string]struct{}
}

// RegexProfile scans a buffer and returns per-regex timing information,
// sorted slowest first.
func (r *Rules) RegexProfile(buf []byte) []RegexTiming {
	atomCandidates := make(map[int]*atomCandidate)

	if r.matcher != nil {
		iter := r.matcher.IterOverlappingByte(buf)
		for match := iter.Next(); match != nil; match = iter.Next() {
			ref := r.patternMap[match.Pattern()]
			if ref.isAtom {
				ac := atomCandidates[ref.regexIdx]
				if ac == nil {
					ac = &atomCandidate{atoms: make(map[string]struct{})}
					atomCandidates[ref.regexIdx] = ac
				}
				ac.atoms[string(r.patterns[match.Pattern()])] = struct{}{}
				ac.positions = append(ac.positions, match.Start())
			}
		}
	}

	halfWindow := maxMatchLen / 2
	timings := make([]RegexTiming, 0, len(atomCandidates))

	for regexIdx, ac := range atomCandidates {
		rp := r.regexPatterns[regexIdx]
		positions := dedupe(ac.positions)

		start := time.Now()
		calls := 0
		for _, pos := range positions {
			s := max(0, pos-halfWindow)
			e := min(len(buf), pos+halfWindow)
			rp.re.FindIndex(buf[s:e])
			calls++
		}
		dur := time.Since(start)

		matchedAtoms := make([]string, 0, len(ac.atoms))
		for atom := range ac.atoms {
			matchedAtoms = append(matchedAtoms, atom)
		}
		sort.Strings(matchedAtoms)

		var extractedAtoms []string
		if atoms, ok := extractAtoms(rp.re.String(), minAtomLength); ok {
			extractedAtoms = make([]string, len(atoms))
			for i, a := range atoms {
				extractedAtoms[i] = string(a)
			}
		}

		timings = append(timings, RegexTiming{
			Rule:           r.rules[rp.ruleIndex].name,
			String:         rp.stringName,
			Pattern:        rp.re.String(),
			MatchedAtoms:   matchedAtoms,
			ExtractedAtoms: extractedAtoms,
			Duration:       dur,
			Calls:          calls,
		})
	}

	slices.SortFunc(timings, func(a, b RegexTiming) int {
		return cmp.Compare(b.Duration, a.Duration)
	})
	return timings
}
