package cfi

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
)

// cfiGrammar is the participle grammar for a single-location CFI.
// Examples: "epubcfi(/6/4)", "epubcfi(/6/14!/4/2/14:4)",
// "epubcfi(/6/14[chap01ref]!/4[body01]/10/2:3[Ther,e])"
//
//nolint:govet // participle grammar tags are not standard struct tags
type cfiGrammar struct {
	Paths    []*pathGrammar   `parser:"\"epubcfi(\" @@ ( \"!\" @@ )*"`
	Terminus *terminusGrammar `parser:"@@? \")\""`
}

//nolint:govet // participle grammar tags are not standard struct tags
type pathGrammar struct {
	Steps []*stepGrammar `parser:"@@+"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type stepGrammar struct {
	Index     int     `parser:"\"/\" @Int"`
	Assertion *string `parser:"@Assertion?"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type terminusGrammar struct {
	Offset    int     `parser:"\":\" @Int"`
	Assertion *string `parser:"@Assertion?"`
}

// cfiLexer tokenizes CFI strings. Assertions are lexed whole so that their
// content may use any character, with '^' escaping the special ones.
var cfiLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Open", Pattern: `epubcfi\(`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Assertion", Pattern: `\[(?:\^.|[^\]\^])*\]`},
	{Name: "Punct", Pattern: `[/!:),]`},
})

// cfiParser is the participle parser for CFI strings.
var cfiParser = participle.MustBuild[cfiGrammar](
	participle.Lexer(cfiLexer),
)

// Parse parses a CFI string such as "epubcfi(/6/14!/4/2/14:4)" into an AST.
// A leading '#' (fragment form) is accepted. Range, temporal and spatial
// CFIs are rejected.
func Parse(s string) (*CFIString, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return nil, cfierrors.NewParse("CFI", "", "empty CFI string")
	}

	parsed, err := cfiParser.ParseString("", s)
	if err != nil {
		return nil, cfierrors.NewParse("CFI", "", err.Error())
	}

	root := &CFIString{}
	for i, p := range parsed.Paths {
		var lp LocalPath
		for j, st := range p.Steps {
			if st.Index <= 0 {
				return nil, cfierrors.NewParse("CFI", "", "step index must be positive: "+strconv.Itoa(st.Index))
			}
			assertion := unescapeAssertion(st.Assertion)
			if i > 0 && j == 0 {
				lp.Steps = append(lp.Steps, &IndirectionStep{StepIndex: st.Index, IDAssertion: assertion})
			} else {
				lp.Steps = append(lp.Steps, &IndexStep{StepIndex: st.Index, IDAssertion: assertion})
			}
		}
		root.LocalPaths = append(root.LocalPaths, lp)
	}

	if parsed.Terminus != nil {
		root.Terminus = &Terminus{
			Offset:        parsed.Terminus.Offset,
			TextAssertion: unescapeAssertion(parsed.Terminus.Assertion),
		}
	}

	return root, nil
}

// MustParse is like Parse but panics on error. Intended for fixtures.
func MustParse(s string) *CFIString {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// unescapeAssertion strips the brackets of a lexed assertion and removes
// '^' escapes.
func unescapeAssertion(raw *string) string {
	if raw == nil {
		return ""
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(*raw, "["), "]")
	if !strings.Contains(inner, "^") {
		return inner
	}

	var sb strings.Builder
	escaped := false
	for _, r := range inner {
		if r == '^' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// escapeAssertion escapes the characters CFI reserves inside assertions.
func escapeAssertion(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '^', '[', ']', '(', ')':
			sb.WriteRune('^')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// String renders the AST back to its "epubcfi(...)" form.
func (c *CFIString) String() string {
	var sb strings.Builder
	sb.WriteString("epubcfi(")
	for i, p := range c.LocalPaths {
		if i > 0 {
			sb.WriteString("!")
		}
		for _, st := range p.Steps {
			sb.WriteString("/")
			sb.WriteString(strconv.Itoa(st.Index()))
			if a := st.Assertion(); a != "" {
				sb.WriteString("[" + escapeAssertion(a) + "]")
			}
		}
	}
	if c.Terminus != nil {
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(c.Terminus.Offset))
		if c.Terminus.TextAssertion != "" {
			sb.WriteString("[" + escapeAssertion(c.Terminus.TextAssertion) + "]")
		}
	}
	sb.WriteString(")")
	return sb.String()
}
