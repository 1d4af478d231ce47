package parser

import "testing"

func collectTokens(t *testing.T, input string) []token {
	t.Helper()
	toks, err := tokenize(input)
	if err != nil {
		t.Fatalf("tokenize error: %v", err)
	}
	return toks
}

func kinds(toks []token) []tokenKind {
	ks := make([]tokenKind, len(toks))
	for i, tok := range toks {
		ks[i] = tok.kind
	}
	return ks
}

func TestLexMinimalRule(t *testing.T) {
	toks := collectTokens(t, `rule test { strings: $ = "text" condition: any of them }`)
	expected := []tokenKind{tRule, tIdent, tLBrace, tStrings, tColon, tStringIdent, tAssign, tStringLit, tCondition, tColon, tAny, tOf, tStringAll, tRBrace, tEOF}
	got := kinds(toks)
	if len(got) != len(expected) {
		t.Fatalf("expected %d tokens, got %d: %v", len(expected), len(got), got)
	}
	for i, k := range got {
		if k != expected[i] {
			t.Errorf("token %d: expected %d, got %d", i, expected[i], k)
		}
	}
}

func TestLexHexString(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $ = { FF ?? [4-16] (41|42) } condition: any of them }`)
	var hexToks []tokenKind
	for _, tok := range toks {
		switch tok.kind {
		case tHexByte, tHexWildcard, tHexJump, tHexAlt:
			hexToks = append(hexToks, tok.kind)
		}
	}
	expected := []tokenKind{tHexByte, tHexWildcard, tHexJump, tHexAlt}
	if len(hexToks) != len(expected) {
		t.Fatalf("expected %d hex tokens, got %d", len(expected), len(hexToks))
	}
	for i, k := range hexToks {
		if k != expected[i] {
			t.Errorf("hex token %d: expected %d, got %d", i, expected[i], k)
		}
	}
}

func TestLexConditionKeywords(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $ = "x" condition: $a and $b or any of them }`)
	var condToks []tokenKind
	foundCond := false
	for _, tok := range toks {
		if tok.kind == tCondition {
			foundCond = true
			continue
		}
		if foundCond && tok.kind != tColon {
			condToks = append(condToks, tok.kind)
		}
	}
	expected := []tokenKind{tStringRef, tAnd, tStringRef, tOr, tAny, tOf, tStringAll, tRBrace, tEOF}
	if len(condToks) != len(expected) {
		t.Fatalf("expected %d condition tokens, got %d: %v", len(expected), len(condToks), condToks)
	}
	for i, k := range condToks {
		if k != expected[i] {
			t.Errorf("cond token %d: expected %d, got %d", i, expected[i], k)
		}
	}
}

func TestLexComments(t *testing.T) {
	toks := collectTokens(t, `// line comment
	rule /* block */ test { strings: $ = "x" condition: any of them }`)
	if len(toks) == 0 {
		t.Fatal("expected tokens, got none")
	}
	if toks[0].kind != tRule {
		t.Errorf("expected first token tRule, got %d", toks[0].kind)
	}
}

func TestLexModifiers(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $ = "x" wide ascii nocase condition: any of them }`)
	var modCount int
	for _, tok := range toks {
		if tok.kind == tModifier {
			modCount++
		}
	}
	if modCount != 3 {
		t.Errorf("expected 3 modifiers, got %d", modCount)
	}
}

func TestLexRegex(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $ = /pattern/sim condition: any of them }`)
	var found bool
	for _, tok := range toks {
		if tok.kind == tRegexLit {
			if tok.str != "/pattern/sim" {
				t.Errorf("expected regex '/pattern/sim', got %q", tok.str)
			}
			found = true
		}
	}
	if !found {
		t.Error("regex token not found")
	}
}

func TestLexStringPattern(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $a = "x" condition: any of ($a*) }`)
	var found bool
	for _, tok := range toks {
		if tok.kind == tStringPattern {
			if tok.str != "$a*" {
				t.Errorf("expected pattern '$a*', got %q", tok.str)
			}
			found = true
		}
	}
	if !found {
		t.Error("string pattern token not found")
	}
}

func TestLexHexInt(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $ = "x" condition: $a at 0xFF }`)
	var found bool
	for _, tok := range toks {
		if tok.kind == tIntLit && tok.num == 0xFF {
			found = true
		}
	}
	if !found {
		t.Error("hex int token not found")
	}
}

func TestLexMeta(t *testing.T) {
	toks := collectTokens(t, `rule t { meta: key = "val" num = 42 strings: $ = "x" condition: any of them }`)
	if toks[3].kind != tMeta {
		t.Errorf("expected tMeta token, got %d", toks[3].kind)
	}
}

func TestLexError(t *testing.T) {
	_, err := tokenize(`rule t { condition: @ }`)
	if err == nil {
		t.Error("expected lexer error for invalid character")
	}
}

func TestLexMultipleRules(t *testing.T) {
	toks := collectTokens(t, `
		rule one { strings: $ = "a" condition: any of them }
		rule two { strings: $ = "b" condition: any of them }
	`)
	ruleCount := 0
	for _, tok := range toks {
		if tok.kind == tRule {
			ruleCount++
		}
	}
	if ruleCount != 2 {
		t.Errorf("expected 2 rule tokens, got %d", ruleCount)
	}
}

func TestLexEqOperator(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $ = "x" condition: uint32be(0) == 0x46 }`)
	var found bool
	for _, tok := range toks {
		if tok.kind == tEq {
			found = true
		}
	}
	if !found {
		t.Error("tEq token not found")
	}
}

func TestLexFuncCall(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $ = "x" condition: uint32be(0) == 0x46 }`)
	var found bool
	for _, tok := range toks {
		if tok.kind == tIdent && tok.str == "uint32be" {
			found = true
		}
	}
	if !found {
		t.Error("function name identifier not found")
	}
}

func TestLexComparisonOperators(t *testing.T) {
	toks := collectTokens(t, `rule t { strings: $ = "x" condition: filesize > 100 and filesize <= 200 and filesize != 0 }`)
	want := map[tokenKind]bool{tGt: false, tLe: false, tNeq: false}
	for _, tok := range toks {
		if _, ok := want[tok.kind]; ok {
			want[tok.kind] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("expected token kind %d in stream", k)
		}
	}
}

func TestLexGlobalPrivate(t *testing.T) {
	toks := collectTokens(t, `global private rule t { condition: true }`)
	expected := []tokenKind{tGlobal, tPrivate, tRule, tIdent, tLBrace, tCondition, tColon, tBoolLit, tRBrace, tEOF}
	got := kinds(toks)
	if len(got) != len(expected) {
		t.Fatalf("expected %d tokens, got %d: %v", len(expected), len(got), got)
	}
	for i, k := range got {
		if k != expected[i] {
			t.Errorf("token %d: expected %d, got %d", i, expected[i], k)
		}
	}
}
