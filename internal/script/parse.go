// Package script runs small scripted sessions against a B-Tree file.
//
// A script is a sequence of statements separated by newlines or ";":
//
//	create table t
//	begin write
//	insert t 1 "one"
//	insert t 2 zero(500)
//	delete t 1
//	commit
//	scan t reverse limit 10
//	check
//
// Trees are named when created, or referenced by root page as $N.
// Statements outside begin/commit run in a transaction of their own.
package script

import (
	"encoding/hex"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

// Script is a parsed script.
type Script struct {
	Stmts []*Stmt `( @@ ";"? )*`
}

// Stmt is one statement; exactly one field is set.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Stmt struct {
	Pos lexer.Position

	Create   *CreateStmt `  @@`
	Drop     *TreeStmt   `| "drop" @@`
	Clear    *TreeStmt   `| "clear" @@`
	Count    *TreeStmt   `| "count" @@`
	Analyze  *TreeStmt   `| "analyze" @@`
	Insert   *InsertStmt `| "insert" @@`
	Delete   *KeyStmt    `| "delete" @@`
	Seek     *KeyStmt    `| "seek" @@`
	Scan     *ScanStmt   `| "scan" @@`
	Begin    *BeginStmt  `| @@`
	Commit   bool        `| @"commit"`
	Rollback bool        `| @"rollback"`
	Nested   string      `| "stmt" @("begin" | "commit" | "rollback")`
	Vacuum   *VacuumStmt `| @@`
	Check    bool        `| @"check"`
	Meta     *MetaStmt   `| "meta" @@`
}

// TreeRef names a tree by script name or by root page.
//
//nolint:govet // participle grammar tags are not standard struct tags
type TreeRef struct {
	Name string `  @Ident`
	Root *int64 `| "$" @Int`
}

func (r TreeRef) String() string {
	if r.Root != nil {
		return "$" + itoa(*r.Root)
	}
	return r.Name
}

// CreateStmt creates a table or index tree and binds Name to it.
//
//nolint:govet // participle grammar tags are not standard struct tags
type CreateStmt struct {
	Kind string `"create" @("table" | "index")`
	Name string `@Ident`
}

// TreeStmt is a statement that only names a tree.
type TreeStmt struct {
	Tree TreeRef `@@`
}

// Value is an integer, a string, a hex blob x'..' or zero(n), n zero
// bytes.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Value struct {
	Int  *int64  `  @Int`
	Str  *string `| @String`
	Blob *string `| @Blob`
	Zero *int    `| "zero" "(" @Int ")"`
}

// InsertStmt inserts Key, with Data for table trees.
type InsertStmt struct {
	Tree TreeRef `@@`
	Key  Value   `@@`
	Data *Value  `@@?`
}

// KeyStmt is a delete or seek of one key.
type KeyStmt struct {
	Tree TreeRef `@@`
	Key  Value   `@@`
}

// ScanStmt lists the entries of a tree.
//
//nolint:govet // participle grammar tags are not standard struct tags
type ScanStmt struct {
	Tree    TreeRef `@@`
	Reverse bool    `@"reverse"?`
	Limit   int     `( "limit" @Int )?`
}

// BeginStmt opens an explicit transaction.
//
//nolint:govet // participle grammar tags are not standard struct tags
type BeginStmt struct {
	Keyword bool   `@"begin"`
	Mode    string `@("read" | "write" | "exclusive")?`
}

// VacuumStmt runs incremental vacuum steps, or all of them.
//
//nolint:govet // participle grammar tags are not standard struct tags
type VacuumStmt struct {
	Keyword bool `@"vacuum"`
	All     bool `@"all"?`
	Steps   int  `@Int?`
}

// MetaStmt reads meta value Index, or sets it to Value.
//
//nolint:govet // participle grammar tags are not standard struct tags
type MetaStmt struct {
	Index int    `@Int`
	Value *int64 `( "=" @Int )?`
}

// scriptLexer defines the tokens of the script language.
// Order matters: Blob must come before Ident, Int before Punct.
var scriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\r\n]*`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Blob", Pattern: `[xX]'[0-9a-fA-F]*'`},
	{Name: "Int", Pattern: `-?[0-9]+`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[;$()=]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// scriptParser is the participle parser for scripts.
var scriptParser = participle.MustBuild[Script](
	participle.Lexer(scriptLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
)

// Parse parses a script. name is used in error positions.
func Parse(name, src string) (*Script, error) {
	s, err := scriptParser.ParseString(name, src)
	if err != nil {
		return nil, errors.NewParse("script", name, err.Error())
	}
	return s, nil
}

// blobBytes decodes the hex digits of a x'..' literal.
func blobBytes(lit string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSuffix(lit[2:], "'"))
	if err != nil {
		return nil, errors.NewValidation("blob", err.Error())
	}
	return b, nil
}
