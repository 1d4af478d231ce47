package scanner

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sansecio/yargo/ahocorasick"
	"github.com/wasilibs/go-re2/experimental"

	"github.com/sansecio/yargo/ast"
)

// CompileOptions configures compilation behavior.
type CompileOptions struct {
	// SkipInvalidRegex silently skips regexes that are invalid or require
	// a full buffer scan, instead of returning an error.
	SkipInvalidRegex bool

	// SkipSubtypes filters out rules whose meta "subtype" field matches
	// any of the given values. Rules without a "subtype" meta or with an
	// empty subtype value are never filtered.
	SkipSubtypes []string
}

const (
	// minAtomLength is the minimum length of atoms extracted from regexes
	// for use in the Aho-Corasick matcher. 3 bytes gives 16M possible values
	// (256^3), making false positives rare while still allowing generic regexes.
	minAtomLength = 3
)

// Compile compiles an AST RuleSet into Rules ready for scanning.
func Compile(rs *ast.RuleSet) (*Rules, error) {
	return CompileWithOptions(rs, CompileOptions{})
}

// CompileWithOptions compiles an AST RuleSet with the given options.
func CompileWithOptions(rs *ast.RuleSet, opts CompileOptions) (*Rules, error) {
	rules := &Rules{
		rules: make([]*compiledRule, 0, len(rs.Rules)),
	}

	var allPatterns [][]byte
	var errs []error
	ruleIdx := 0

	skipSubtypes := make(map[string]bool, len(opts.SkipSubtypes))
	for _, t := range opts.SkipSubtypes {
		if t != "" {
			skipSubtypes[t] = true
		}
	}

	for _, r := range rs.Rules {
		if r.Condition == nil {
			continue
		}

		if len(skipSubtypes) > 0 {
			if subtype := metaValue(r, "subtype"); subtype != "" && skipSubtypes[subtype] {
				continue
			}
		}

		cr := &compiledRule{
			name:      r.Name,
			namespace: r.Namespace,
			global:    r.Global,
			private:   r.Private,
			metas:     make([]Meta, len(r.Meta)),
			condition: r.Condition,
		}
		for i, m := range r.Meta {
			cr.metas[i] = Meta{Identifier: m.Key, Value: m.Value}
		}
		for _, s := range r.Strings {
			cr.stringNames = append(cr.stringNames, s.Name)
		}
		rules.rules = append(rules.rules, cr)

		for _, s := range r.Strings {
			patterns, isRegex := generatePatterns(s)
			if isRegex {
				var err error
				allPatterns, err = compileRegex(rules, s, r.Name, ruleIdx, allPatterns, opts)
				if err != nil {
					errs = append(errs, err)
				}
				continue
			}
			for _, p := range patterns {
				rules.patternMap = append(rules.patternMap, patternRef{
					ruleIndex:  ruleIdx,
					stringName: s.Name,
					fullword:   s.Modifiers.Fullword,
					regexIdx:   -1,
				})
				allPatterns = append(allPatterns, p)
			}
		}
		ruleIdx++
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	rules.patterns = allPatterns
	if len(allPatterns) > 0 {
		builder := ahocorasick.NewAhoCorasickBuilder()
		ac := builder.BuildByte(allPatterns)
		rules.matcher = &ac
	}

	rules.source = rs
	rules.opts = opts
	return rules, nil
}

func compileRegex(rules *Rules, s *ast.StringDef, ruleName string, ruleIdx int, allPatterns [][]byte, opts CompileOptions) ([][]byte, error) {
	var rePattern string
	var caseInsensitive bool

	switch v := s.Value.(type) {
	case ast.RegexString:
		rePattern = buildRE2Pattern(v.Pattern, v.Modifiers)
		caseInsensitive = v.Modifiers.CaseInsensitive
	case ast.HexString:
		rePattern = "(?s)" + hexStringToRegex(v)
		caseInsensitive = false
	default:
		return allPatterns, nil
	}
	compiled, err := experimental.CompileLatin1(rePattern)
	if err != nil {
		if opts.SkipInvalidRegex {
			return allPatterns, nil
		}
		return nil, fmt.Errorf("rule %q string %s: invalid regex: %w", ruleName, s.Name, err)
	}

	atoms, hasAtoms := extractAtoms(rePattern, minAtomLength)
	requiresFullScan := !hasAtoms || caseInsensitive
	if requiresFullScan {
		if opts.SkipInvalidRegex {
			return allPatterns, nil
		}
		return nil, fmt.Errorf("rule %q string %s: regex requires full buffer scan", ruleName, s.Name)
	}

	rp := &regexPattern{
		re:         compiled,
		ruleIndex:  ruleIdx,
		stringName: s.Name,
		hasAtom:    true,
	}
	regexIdx := len(rules.regexPatterns)
	rules.regexPatterns = append(rules.regexPatterns, rp)

	for _, atom := range atoms {
		rules.patternMap = append(rules.patternMap, patternRef{
			regexIdx: regexIdx,
			isAtom:   true,
		})
		allPatterns = append(allPatterns, atom)
	}
	return allPatterns, nil
}

func generatePatterns(s *ast.StringDef) ([][]byte, bool) {
	switch v := s.Value.(type) {
	case ast.TextString:
		data := []byte(v.Value)
		mods := s.Modifiers
		switch {
		case mods.Base64Wide:
			return generateBase64Patterns(toWide(data)), false
		case mods.Base64:
			return generateBase64Patterns(data), false
		case mods.Xor:
			return generateXorPatterns(data), false
		}

		forms := [][]byte{data}
		if mods.Nocase {
			forms = generateNocasePatterns(data)
		}
		if !mods.Wide {
			return forms, false
		}
		wideForms := make([][]byte, len(forms))
		for i, f := range forms {
			wideForms[i] = toWide(f)
		}
		if mods.Ascii {
			return append(forms, wideForms...), false
		}
		return wideForms, false

	case ast.RegexString:
		return nil, true
	case ast.HexString:
		if isSimpleHexString(v) {
			return [][]byte{hexStringToBytes(v)}, false
		}
		return nil, true
	default:
		return nil, false
	}
}

// toWide expands data into the UTF-16LE-shaped byte layout the "wide"
// string modifier asks for: a null byte after every source byte. This is
// only correct for source bytes in the ASCII range, which matches how
// wide string literals are written in rule sources.
func toWide(data []byte) []byte {
	wide := make([]byte, 0, len(data)*2)
	for _, b := range data {
		wide = append(wide, b, 0)
	}
	return wide
}

// generateXorPatterns returns one literal byte pattern per XOR key in
// [1,255]. Key 0 is the unmodified string and is left to a plain string
// definition; the matched (still-encoded) bytes are reported as-is, same
// as the base64 patterns above.
func generateXorPatterns(data []byte) [][]byte {
	patterns := make([][]byte, 0, 255)
	for key := 1; key < 256; key++ {
		out := make([]byte, len(data))
		for i, b := range data {
			out[i] = b ^ byte(key)
		}
		patterns = append(patterns, out)
	}
	return patterns
}

// maxNocaseCasedBytes bounds how many cased bytes a nocase string may
// have before full case-variant enumeration (2^n patterns) is abandoned
// in favor of a single lowercase-folded pattern.
const maxNocaseCasedBytes = 8

// generateNocasePatterns enumerates every upper/lower case combination of
// data's cased bytes as separate literal AC patterns, since the matcher
// underneath is byte-exact. Long strings with many cased bytes fold to a
// single lowercase pattern instead of enumerating 2^n variants.
func generateNocasePatterns(data []byte) [][]byte {
	var casedPositions []int
	for i, b := range data {
		if isAlphaByte(b) {
			casedPositions = append(casedPositions, i)
		}
	}
	if len(casedPositions) == 0 || len(casedPositions) > maxNocaseCasedBytes {
		out := make([]byte, len(data))
		copy(out, data)
		for _, i := range casedPositions {
			out[i] = toLowerByte(out[i])
		}
		return [][]byte{out}
	}

	n := 1 << len(casedPositions)
	patterns := make([][]byte, 0, n)
	for mask := 0; mask < n; mask++ {
		out := make([]byte, len(data))
		copy(out, data)
		for bit, pos := range casedPositions {
			if mask&(1<<bit) != 0 {
				out[pos] = toUpperByte(out[pos])
			} else {
				out[pos] = toLowerByte(out[pos])
			}
		}
		patterns = append(patterns, out)
	}
	return patterns
}

func isAlphaByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func toLowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 32
	}
	return b
}

func toUpperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 32
	}
	return b
}

func isSimpleHexString(h ast.HexString) bool {
	for _, t := range h.Tokens {
		if _, ok := t.(ast.HexByte); !ok {
			return false
		}
	}
	return true
}

func hexStringToBytes(h ast.HexString) []byte {
	result := make([]byte, 0, len(h.Tokens))
	for _, t := range h.Tokens {
		if b, ok := t.(ast.HexByte); ok {
			result = append(result, b.Value)
		}
	}
	return result
}

func hexStringToRegex(h ast.HexString) string {
	var sb strings.Builder

	// Coalesce consecutive wildcards into a single .{n}
	i := 0
	for i < len(h.Tokens) {
		switch t := h.Tokens[i].(type) {
		case ast.HexByte:
			fmt.Fprintf(&sb, "\\x%02x", t.Value)
		case ast.HexWildcard:
			// Count consecutive wildcards
			count := 1
			for i+count < len(h.Tokens) {
				if _, ok := h.Tokens[i+count].(ast.HexWildcard); ok {
					count++
				} else {
					break
				}
			}
			if count == 1 {
				sb.WriteByte('.')
			} else {
				fmt.Fprintf(&sb, ".{%d}", count)
			}
			i += count - 1 // -1 because the loop will increment
		case ast.HexJump:
			writeJump(&sb, t)
		case ast.HexAlt:
			writeAlt(&sb, t)
		}
		i++
	}

	return sb.String()
}

func writeJump(sb *strings.Builder, j ast.HexJump) {
	switch {
	case j.Min == nil && j.Max == nil:
		sb.WriteString(".*")
	case j.Min != nil && j.Max != nil && *j.Min == *j.Max:
		fmt.Fprintf(sb, ".{%d}", *j.Min)
	case j.Min != nil && j.Max != nil:
		fmt.Fprintf(sb, ".{%d,%d}", *j.Min, *j.Max)
	case j.Min != nil:
		fmt.Fprintf(sb, ".{%d,}", *j.Min)
	case j.Max != nil:
		fmt.Fprintf(sb, ".{0,%d}", *j.Max)
	}
}

func writeAlt(sb *strings.Builder, a ast.HexAlt) {
	sb.WriteString("(?:")
	for i, item := range a.Alternatives {
		if i > 0 {
			sb.WriteByte('|')
		}
		if item.Wildcard {
			sb.WriteByte('.')
		} else if item.Byte != nil {
			fmt.Fprintf(sb, "\\x%02x", *item.Byte)
		}
	}
	sb.WriteByte(')')
}

func generateBase64Patterns(data []byte) [][]byte {
	// Each offset aligns data differently within the base64 3-byte groups.
	// The prefix padding bytes and the number of leading base64 chars to skip
	// (which depend on the unknown preceding context) vary per offset.
	offsets := [3]struct{ pad, skip int }{{0, 0}, {1, 2}, {2, 3}}
	patterns := make([][]byte, 0, 3)

	for _, o := range offsets {
		padded := append(make([]byte, o.pad), data...)
		enc := base64.StdEncoding.EncodeToString(padded)
		if len(enc) <= o.skip {
			continue
		}
		trimmed := strings.TrimRight(enc[o.skip:], "=")
		if trim := trailingUnstableChars(len(data) + o.pad); trim > 0 && len(trimmed) > trim {
			trimmed = trimmed[:len(trimmed)-trim]
		}
		if len(trimmed) > 0 {
			patterns = append(patterns, []byte(trimmed))
		}
	}

	return patterns
}

// trailingUnstableChars returns how many trailing base64 chars depend on
// what follows the data. When data length isn't a multiple of 3, the final
// base64 chars encode partial bytes that include bits from following data.
func trailingUnstableChars(dataLen int) int {
	switch dataLen % 3 {
	case 1:
		return 1 // last char encodes 2 bits of data + 4 bits of next byte
	case 2:
		return 1 // last char encodes 4 bits of data + 2 bits of next byte
	default:
		return 0 // complete 3-byte groups, fully stable
	}
}

func buildRE2Pattern(pattern string, mods ast.RegexModifiers) string {
	var prefix string
	if mods.CaseInsensitive {
		prefix = "(?i)"
	}
	if mods.DotMatchesAll {
		prefix += "(?s)"
	}
	if mods.Multiline {
		prefix += "(?m)"
	}
	return prefix + fixQuantifiers(pattern)
}

// maxQuantifier bounds the repeat count RE2 will compile for a single
// {n,m} quantifier. Uncapped quantifiers pulled from real-world regex
// strings (some rules use {1,5000} or worse) blow up RE2's compiled
// program size for no matching benefit past a few hundred repeats.
const maxQuantifier = 1000

// fixQuantifiers rewrites {,N} to {0,N}, since RE2 treats a bare {,N}
// as literal text rather than a quantifier, and caps every quantifier
// bound to maxQuantifier.
func fixQuantifiers(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	i := 0
	for i < len(pattern) {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			b.WriteByte(pattern[i])
			b.WriteByte(pattern[i+1])
			i += 2
			continue
		}
		if pattern[i] == '{' {
			if rewritten, next, ok := parseQuantifier(pattern, i); ok {
				b.WriteString(rewritten)
				i = next
				continue
			}
		}
		b.WriteByte(pattern[i])
		i++
	}
	return b.String()
}

// parseQuantifier attempts to parse a {n}, {n,}, {,m}, or {n,m} quantifier
// (optionally followed by a lazy "?") starting at s[start] == '{'. It
// returns the capped replacement, the index just past the match, and
// whether a quantifier was found at all.
func parseQuantifier(s string, start int) (string, int, bool) {
	i := start + 1
	minStart := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	minStr := s[minStart:i]

	hasComma := false
	maxStr := ""
	if i < len(s) && s[i] == ',' {
		hasComma = true
		i++
		maxStart := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		maxStr = s[maxStart:i]
	}

	if i >= len(s) || s[i] != '}' || (minStr == "" && !hasComma) {
		return "", 0, false
	}
	i++ // consume '}'

	lazy := ""
	if i < len(s) && s[i] == '?' {
		lazy = "?"
		i++
	}

	if !hasComma {
		return "{" + capQuantifierBound(minStr) + "}" + lazy, i, true
	}

	minOut := capQuantifierBound(minStr)
	if minOut == "" {
		minOut = "0"
	}
	maxOut := capQuantifierBound(maxStr)
	return "{" + minOut + "," + maxOut + "}" + lazy, i, true
}

func capQuantifierBound(s string) string {
	if s == "" {
		return ""
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return s
	}
	if n > maxQuantifier {
		n = maxQuantifier
	}
	return strconv.Itoa(n)
}

func metaValue(r *ast.Rule, key string) string {
	for _, m := range r.Meta {
		if m.Key == key {
			if s, ok := m.Value.(string); ok {
				return s
			}
			return ""
		}
	}
	return ""
}
