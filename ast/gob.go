package ast

import "encoding/gob"

// init registers every concrete type that can appear behind the
// StringValue, HexToken, and Expr interfaces (plus the dynamically typed
// MetaEntry.Value) so a RuleSet can round-trip through encoding/gob, as
// used by the ruleset container's save/load.
func init() {
	gob.Register(TextString{})
	gob.Register(HexString{})
	gob.Register(RegexString{})

	gob.Register(HexByte{})
	gob.Register(HexWildcard{})
	gob.Register(HexJump{})
	gob.Register(HexAlt{})

	gob.Register(StringRef{})
	gob.Register(AtExpr{})
	gob.Register(IntLit{})
	gob.Register(FuncCall{})
	gob.Register(BinaryExpr{})
	gob.Register(ParenExpr{})
	gob.Register(AnyOf{})
	gob.Register(AllOf{})
	gob.Register(BoolLit{})
	gob.Register(NotExpr{})
	gob.Register(Identifier{})
	gob.Register(CompareExpr{})

	gob.Register("")
	gob.Register(int64(0))
	gob.Register(false)
}
