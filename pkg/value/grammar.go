package value

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// valueLexer tokenizes the textual value notation (§6.3): null/bool/number
// literals, quoted strings, array/map punctuation, and the dotted
// identifiers used by tg.bytes/tg.mutation/tg.template and the object
// constructors (directory/file/symlink/blob/graph/command).
var valueLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Number", Pattern: `-?\d+(\.\d+)?([eE][+-]?\d+)?`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[\[\]{}(),:.]`},
	{Name: "whitespace", Pattern: `\s+`},
})

type astDocument struct {
	Value *astValue `parser:"@@"`
}

type astValue struct {
	Null   bool      `parser:"(  @'null'"`
	True   bool      `parser:" | @'true'"`
	False  bool      `parser:" | @'false'"`
	Number *float64  `parser:" | @Number"`
	Str    *string   `parser:" | @String"`
	Array  *astArray `parser:" | @@"`
	Map    *astMap   `parser:" | @@"`
	Call   *astCall  `parser:" | @@ )"`
}

type astArray struct {
	Elements []*astValue `parser:"'[' (@@ (',' @@)*)? ']'"`
}

type astMap struct {
	Entries []*astMapEntry `parser:"'{' (@@ (',' @@)*)? '}'"`
}

type astMapEntry struct {
	Key   string    `parser:"@String ':'"`
	Value *astValue `parser:"@@"`
}

type astCall struct {
	Name string      `parser:"@Ident"`
	Dot  *string     `parser:"('.' @Ident)?"`
	Args []*astValue `parser:"'(' (@@ (',' @@)*)? ')'"`
}

// callee returns the dotted callee name, e.g. "tg.bytes" or "directory".
func (c *astCall) callee() string {
	if c.Dot != nil {
		return c.Name + "." + *c.Dot
	}
	return c.Name
}

var parser = participle.MustBuild[astDocument](
	participle.Lexer(valueLexer),
	participle.Elide("whitespace"),
	participle.Unquote("String"),
)
