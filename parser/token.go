package parser

// tokenKind identifies the lexical class of a token produced by the lexer.
type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tGlobal
	tPrivate
	tRule
	tMeta
	tStrings
	tCondition
	tStringIdent  // $name or $ (anonymous string definition)
	tStringRef    // $name used inside a condition
	tStringAll    // "them"
	tStringPattern // $prefix* used inside any/all of
	tStringLit
	tRegexLit
	tIntLit
	tBoolLit
	tModifier
	tHexOpen
	tHexClose
	tHexByte
	tHexWildcard
	tHexJump
	tHexAlt
	tAnd
	tOr
	tNot
	tAt
	tAny
	tAll
	tOf
	tEq
	tNeq
	tLt
	tLe
	tGt
	tGe
	tLParen
	tRParen
	tLBrace
	tRBrace
	tColon
	tAssign
	tComma
)

// token is a single lexical unit along with whatever literal value the
// lexer decoded for it.
type token struct {
	kind tokenKind
	str  string
	num  int64
	byt  byte
	pos  int
}
