// Package parser turns YARA-style rule source into an ast.RuleSet.
//
// Tokenization follows a modal hand-written lexer (see lexer.go); the
// grammar itself is a small recursive-descent parser over that token
// stream rather than a generated yacc table, so the whole pipeline has no
// code-generation step.
package parser

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sansecio/yargo/ast"
)

// Parser parses YARA rules.
type Parser struct{}

// New creates a new YARA parser.
func New() *Parser {
	return &Parser{}
}

// Parse parses YARA rules from a string. Every rule is assigned the
// default ("") namespace.
func (p *Parser) Parse(input string) (*ast.RuleSet, error) {
	return p.ParseNamespace("", input)
}

// ParseFile parses YARA rules from a file. Like Parse, it puts every rule
// in the default ("") namespace.
func (p *Parser) ParseFile(filename string) (*ast.RuleSet, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return p.Parse(string(content))
}

// ParseNamespace parses YARA rules from a string and assigns every rule to
// the given namespace. Compiling rule sets parsed under different
// namespaces and merging their Rules slices reproduces multi-namespace
// scanning: a false "global" rule only suppresses siblings in its own
// namespace.
func (p *Parser) ParseNamespace(namespace, input string) (*ast.RuleSet, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	ps := &parseState{toks: toks, namespace: namespace}
	rs, err := ps.parseFile()
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return rs, nil
}

type parseState struct {
	toks      []token
	pos       int
	namespace string
}

func (ps *parseState) cur() token  { return ps.toks[ps.pos] }
func (ps *parseState) at(k tokenKind) bool { return ps.cur().kind == k }

func (ps *parseState) advance() token {
	t := ps.toks[ps.pos]
	if ps.pos < len(ps.toks)-1 {
		ps.pos++
	}
	return t
}

func (ps *parseState) expect(k tokenKind, what string) (token, error) {
	if !ps.at(k) {
		return token{}, fmt.Errorf("expected %s at position %d, got token kind %d", what, ps.cur().pos, ps.cur().kind)
	}
	return ps.advance(), nil
}

func (ps *parseState) parseFile() (*ast.RuleSet, error) {
	rs := &ast.RuleSet{}
	for !ps.at(tEOF) {
		r, err := ps.parseRule()
		if err != nil {
			return nil, err
		}
		rs.Rules = append(rs.Rules, r)
	}
	return rs, nil
}

func (ps *parseState) parseRule() (*ast.Rule, error) {
	r := &ast.Rule{Namespace: ps.namespace}
	for {
		switch ps.cur().kind {
		case tGlobal:
			r.Global = true
			ps.advance()
			continue
		case tPrivate:
			r.Private = true
			ps.advance()
			continue
		}
		break
	}
	if _, err := ps.expect(tRule, "'rule'"); err != nil {
		return nil, err
	}
	name, err := ps.expect(tIdent, "rule name")
	if err != nil {
		return nil, err
	}
	r.Name = name.str

	if _, err := ps.expect(tLBrace, "'{'"); err != nil {
		return nil, err
	}

	if ps.at(tMeta) {
		meta, err := ps.parseMeta()
		if err != nil {
			return nil, err
		}
		r.Meta = meta
	}
	if ps.at(tStrings) {
		defs, err := ps.parseStrings()
		if err != nil {
			return nil, err
		}
		r.Strings = defs
	}
	if _, err := ps.expect(tCondition, "'condition'"); err != nil {
		return nil, err
	}
	if _, err := ps.expect(tColon, "':'"); err != nil {
		return nil, err
	}
	cond, err := ps.parseOrExpr()
	if err != nil {
		return nil, err
	}
	r.Condition = cond

	if _, err := ps.expect(tRBrace, "'}'"); err != nil {
		return nil, err
	}
	return r, nil
}

func (ps *parseState) parseMeta() ([]*ast.MetaEntry, error) {
	if _, err := ps.expect(tMeta, "'meta'"); err != nil {
		return nil, err
	}
	if _, err := ps.expect(tColon, "':'"); err != nil {
		return nil, err
	}
	var entries []*ast.MetaEntry
	for ps.at(tIdent) {
		key := ps.advance().str
		if _, err := ps.expect(tAssign, "'='"); err != nil {
			return nil, err
		}
		var val any
		switch {
		case ps.at(tStringLit):
			val = ps.advance().str
		case ps.at(tIntLit):
			val = ps.advance().num
		case ps.at(tBoolLit):
			val = ps.advance().num != 0
		default:
			return nil, fmt.Errorf("expected meta value at position %d", ps.cur().pos)
		}
		entries = append(entries, &ast.MetaEntry{Key: key, Value: val})
	}
	return entries, nil
}

func (ps *parseState) parseStrings() ([]*ast.StringDef, error) {
	if _, err := ps.expect(tStrings, "'strings'"); err != nil {
		return nil, err
	}
	if _, err := ps.expect(tColon, "':'"); err != nil {
		return nil, err
	}
	var defs []*ast.StringDef
	for ps.at(tStringIdent) {
		name := ps.advance().str
		if _, err := ps.expect(tAssign, "'='"); err != nil {
			return nil, err
		}
		def := &ast.StringDef{Name: name}
		switch {
		case ps.at(tStringLit):
			def.Value = ast.TextString{Value: ps.advance().str}
		case ps.at(tRegexLit):
			pattern, mods := parseRegexLiteral(ps.advance().str)
			def.Value = ast.RegexString{Pattern: pattern, Modifiers: mods}
		case ps.at(tHexOpen):
			hex, err := ps.parseHexString()
			if err != nil {
				return nil, err
			}
			def.Value = hex
		default:
			return nil, fmt.Errorf("expected string value at position %d", ps.cur().pos)
		}
		for ps.at(tModifier) {
			switch ps.advance().str {
			case "base64":
				def.Modifiers.Base64 = true
			case "base64wide":
				def.Modifiers.Base64Wide = true
			case "fullword":
				def.Modifiers.Fullword = true
			case "wide":
				def.Modifiers.Wide = true
			case "ascii":
				def.Modifiers.Ascii = true
			case "nocase":
				def.Modifiers.Nocase = true
			case "xor":
				def.Modifiers.Xor = true
			case "private":
				def.Modifiers.Private = true
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Condition grammar, lowest to highest precedence:
//
//	orExpr   -> andExpr ( "or" andExpr )*
//	andExpr  -> notExpr ( "and" notExpr )*
//	notExpr  -> "not" notExpr | compareExpr
//	compareExpr -> atExpr ( ("==" | "!=" | "<" | "<=" | ">" | ">=") atExpr )?
//	atExpr   -> primary ( "at" atExpr )?
//	primary  -> literal | identifier | funcCall | "(" orExpr ")" | stringRef | anyOf | allOf

func (ps *parseState) parseOrExpr() (ast.Expr, error) {
	left, err := ps.parseAndExpr()
	if err != nil {
		return nil, err
	}
	for ps.at(tOr) {
		ps.advance()
		right, err := ps.parseAndExpr()
		if err != nil {
			return nil, err
		}
		left = ast.BinaryExpr{Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (ps *parseState) parseAndExpr() (ast.Expr, error) {
	left, err := ps.parseNotExpr()
	if err != nil {
		return nil, err
	}
	for ps.at(tAnd) {
		ps.advance()
		right, err := ps.parseNotExpr()
		if err != nil {
			return nil, err
		}
		left = ast.BinaryExpr{Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (ps *parseState) parseNotExpr() (ast.Expr, error) {
	if ps.at(tNot) {
		ps.advance()
		inner, err := ps.parseNotExpr()
		if err != nil {
			return nil, err
		}
		return ast.NotExpr{Inner: inner}, nil
	}
	return ps.parseCompareExpr()
}

func (ps *parseState) parseCompareExpr() (ast.Expr, error) {
	left, err := ps.parseAtExpr()
	if err != nil {
		return nil, err
	}
	var op string
	switch ps.cur().kind {
	case tEq:
		op = "=="
	case tNeq:
		op = "!="
	case tLt:
		op = "<"
	case tLe:
		op = "<="
	case tGt:
		op = ">"
	case tGe:
		op = ">="
	default:
		return left, nil
	}
	ps.advance()
	right, err := ps.parseAtExpr()
	if err != nil {
		return nil, err
	}
	if op == "==" {
		return ast.BinaryExpr{Op: op, Left: left, Right: right}, nil
	}
	return ast.CompareExpr{Op: op, Left: left, Right: right}, nil
}

func (ps *parseState) parseAtExpr() (ast.Expr, error) {
	left, err := ps.parsePrimary()
	if err != nil {
		return nil, err
	}
	if ps.at(tAt) {
		ps.advance()
		ref, ok := left.(ast.StringRef)
		if !ok {
			return nil, fmt.Errorf("'at' must follow a string reference, at position %d", ps.cur().pos)
		}
		pos, err := ps.parseAtExpr()
		if err != nil {
			return nil, err
		}
		return ast.AtExpr{Ref: ref, Pos: pos}, nil
	}
	return left, nil
}

func (ps *parseState) parsePrimary() (ast.Expr, error) {
	switch ps.cur().kind {
	case tLParen:
		ps.advance()
		inner, err := ps.parseOrExpr()
		if err != nil {
			return nil, err
		}
		if _, err := ps.expect(tRParen, "')'"); err != nil {
			return nil, err
		}
		return ast.ParenExpr{Inner: inner}, nil
	case tBoolLit:
		t := ps.advance()
		return ast.BoolLit{Value: t.num != 0}, nil
	case tIntLit:
		t := ps.advance()
		return ast.IntLit{Value: t.num}, nil
	case tStringRef:
		t := ps.advance()
		return ast.StringRef{Name: t.str}, nil
	case tAny, tAll:
		return ps.parseOfExpr()
	case tIdent:
		t := ps.advance()
		if ps.at(tLParen) {
			args, err := ps.parseArgs()
			if err != nil {
				return nil, err
			}
			return ast.FuncCall{Name: t.str, Args: args}, nil
		}
		return ast.Identifier{Name: t.str}, nil
	}
	return nil, fmt.Errorf("unexpected token in condition at position %d", ps.cur().pos)
}

func (ps *parseState) parseOfExpr() (ast.Expr, error) {
	quantifier := ps.advance().kind // tAny or tAll
	if _, err := ps.expect(tOf, "'of'"); err != nil {
		return nil, err
	}
	pattern, err := ps.parseOfPattern()
	if err != nil {
		return nil, err
	}
	if quantifier == tAny {
		return ast.AnyOf{Pattern: pattern}, nil
	}
	return ast.AllOf{Pattern: pattern}, nil
}

func (ps *parseState) parseOfPattern() (string, error) {
	switch ps.cur().kind {
	case tStringAll:
		ps.advance()
		return "them", nil
	case tStringPattern:
		return ps.advance().str, nil
	case tLParen:
		ps.advance()
		var parts []string
		for !ps.at(tRParen) {
			switch ps.cur().kind {
			case tStringRef, tStringPattern:
				parts = append(parts, ps.advance().str)
			case tComma:
				ps.advance()
			default:
				return "", fmt.Errorf("unexpected token in 'of' pattern at position %d", ps.cur().pos)
			}
		}
		if _, err := ps.expect(tRParen, "')'"); err != nil {
			return "", err
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("expected 'them' or a string pattern at position %d", ps.cur().pos)
}

func (ps *parseState) parseArgs() ([]ast.Expr, error) {
	if _, err := ps.expect(tLParen, "'('"); err != nil {
		return nil, err
	}
	var args []ast.Expr
	for !ps.at(tRParen) {
		arg, err := ps.parseOrExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if ps.at(tComma) {
			ps.advance()
			continue
		}
		break
	}
	if _, err := ps.expect(tRParen, "')'"); err != nil {
		return nil, err
	}
	return args, nil
}

func (ps *parseState) parseHexString() (ast.HexString, error) {
	if _, err := ps.expect(tHexOpen, "'{'"); err != nil {
		return ast.HexString{}, err
	}
	var tokens []ast.HexToken
	for !ps.at(tHexClose) {
		switch ps.cur().kind {
		case tHexByte:
			tokens = append(tokens, ast.HexByte{Value: ps.advance().byt})
		case tHexWildcard:
			ps.advance()
			tokens = append(tokens, ast.HexWildcard{})
		case tHexJump:
			tokens = append(tokens, parseHexJump(ps.advance().str))
		case tHexAlt:
			tokens = append(tokens, parseHexAlt(ps.advance().str))
		default:
			return ast.HexString{}, fmt.Errorf("unexpected token in hex string at position %d", ps.cur().pos)
		}
	}
	if _, err := ps.expect(tHexClose, "'}'"); err != nil {
		return ast.HexString{}, err
	}
	return ast.HexString{Tokens: tokens}, nil
}

func parseRegexLiteral(s string) (string, ast.RegexModifiers) {
	s = s[1:] // drop opening '/'
	var mods ast.RegexModifiers
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		for _, c := range s[idx+1:] {
			switch c {
			case 'i':
				mods.CaseInsensitive = true
			case 's':
				mods.DotMatchesAll = true
			case 'm':
				mods.Multiline = true
			}
		}
		s = s[:idx]
	}
	return s, mods
}

func parseHexAlt(s string) ast.HexAlt {
	if len(s) < 2 {
		return ast.HexAlt{}
	}
	s = s[1 : len(s)-1]
	parts := strings.Split(s, "|")
	items := make([]ast.HexAltItem, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "??" {
			items[i] = ast.HexAltItem{Wildcard: true}
			continue
		}
		b, _ := strconv.ParseUint(part, 16, 8)
		v := byte(b)
		items[i] = ast.HexAltItem{Byte: &v}
	}
	return ast.HexAlt{Alternatives: items}
}

func parseHexJump(s string) ast.HexJump {
	s = strings.Trim(s, "[] \t")
	if s == "-" {
		return ast.HexJump{}
	}
	if idx := strings.Index(s, "-"); idx >= 0 {
		var jump ast.HexJump
		if minStr := strings.TrimSpace(s[:idx]); minStr != "" {
			n, _ := strconv.Atoi(minStr)
			jump.Min = &n
		}
		if maxStr := strings.TrimSpace(s[idx+1:]); maxStr != "" {
			n, _ := strconv.Atoi(maxStr)
			jump.Max = &n
		}
		return jump
	}
	n, _ := strconv.Atoi(s)
	return ast.HexJump{Min: &n, Max: &n}
}
