package flowrt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Template is a parsed Jinja-style template.
//
// Supported syntax: {{ expr }} with dotted record paths, string, number and
// boolean literals, filters (upper, lower, trim, title, capitalize,
// default, length, replace, string); {% if %}/{% elif %}/{% else %}/{% endif %}
// with optional not and ==/!= comparison; {# comments #}; and the '-'
// whitespace-control markers. Undefined variables render as "".
type Template struct {
	src   string
	nodes []node
	err   error
}

// ParseTemplate parses src.
func ParseTemplate(src string) (*Template, error) {
	toks, err := lexTemplate(src)
	if err != nil {
		return nil, err
	}
	p := &templateParser{toks: toks}
	nodes, stop, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	if stop != "" {
		return nil, fmt.Errorf("unexpected {%% %s %%}", stop)
	}
	return &Template{src: src, nodes: nodes}, nil
}

// NewTemplate parses src and keeps any parse error for Render to return,
// so one bad template fails only the field that uses it.
func NewTemplate(src string) *Template {
	t, err := ParseTemplate(src)
	if err != nil {
		return &Template{src: src, err: err}
	}
	return t
}

// Err returns the parse error, if any.
func (t *Template) Err() error { return t.err }

// Source returns the template text.
func (t *Template) Source() string { return t.src }

// Render evaluates the template against rec.
func (t *Template) Render(rec Record) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	var b strings.Builder
	if err := renderNodes(&b, t.nodes, rec); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Variables returns the record paths the template reads, in order of
// first appearance.
func (t *Template) Variables() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(e templateExpr) {
		if e.base.isLit {
			return
		}
		p := strings.Join(e.base.path, ".")
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	var walk func(nodes []node)
	walk = func(nodes []node) {
		for _, n := range nodes {
			switch n := n.(type) {
			case exprNode:
				add(n.expr)
			case *ifNode:
				for _, br := range n.branches {
					add(br.cond.left)
					if br.cond.op != "" {
						add(br.cond.right)
					}
					walk(br.body)
				}
				walk(n.otherwise)
			}
		}
	}
	walk(t.nodes)
	return out
}

// lexing

type tokKind int

const (
	tokText tokKind = iota
	tokExpr
	tokStmt
)

type token struct {
	kind tokKind
	val  string
}

var closers = map[string]string{"{{": "}}", "{%": "%}", "{#": "#}"}

func lexTemplate(src string) ([]token, error) {
	var toks []token
	trimNext := false
	i := 0
	for i < len(src) {
		j := nextOpen(src, i)
		if j < 0 {
			text := src[i:]
			if trimNext {
				text = strings.TrimLeft(text, " \t\r\n")
			}
			if text != "" {
				toks = append(toks, token{kind: tokText, val: text})
			}
			break
		}

		text := src[i:j]
		if trimNext {
			text = strings.TrimLeft(text, " \t\r\n")
			trimNext = false
		}

		open := src[j : j+2]
		end := strings.Index(src[j+2:], closers[open])
		if end < 0 {
			return nil, fmt.Errorf("unclosed %s at offset %d", open, j)
		}
		inner := src[j+2 : j+2+end]
		if strings.HasPrefix(inner, "-") {
			text = strings.TrimRight(text, " \t\r\n")
			inner = inner[1:]
		}
		if strings.HasSuffix(inner, "-") {
			trimNext = true
			inner = inner[:len(inner)-1]
		}

		if text != "" {
			toks = append(toks, token{kind: tokText, val: text})
		}
		switch open {
		case "{{":
			toks = append(toks, token{kind: tokExpr, val: strings.TrimSpace(inner)})
		case "{%":
			toks = append(toks, token{kind: tokStmt, val: strings.TrimSpace(inner)})
		}
		i = j + 2 + end + 2
	}
	return toks, nil
}

func nextOpen(src string, from int) int {
	for i := from; i+1 < len(src); i++ {
		if src[i] == '{' {
			switch src[i+1] {
			case '{', '%', '#':
				return i
			}
		}
	}
	return -1
}

// parsing

type node interface{ isNode() }

type textNode string

type exprNode struct{ expr templateExpr }

type ifNode struct {
	branches  []ifBranch
	otherwise []node
}

type ifBranch struct {
	cond condition
	body []node
}

func (textNode) isNode() {}
func (exprNode) isNode() {}
func (*ifNode) isNode()  {}

type operand struct {
	path  []string
	lit   any
	isLit bool
}

type filterCall struct {
	name string
	args []any
}

type templateExpr struct {
	base    operand
	filters []filterCall
}

type condition struct {
	negate bool
	left   templateExpr
	op     string
	right  templateExpr
}

type templateParser struct {
	toks []token
	pos  int
}

// parseBody parses nodes until a statement that is not "if". It returns
// that statement's text, or "" at end of input.
func (p *templateParser) parseBody() ([]node, string, error) {
	var nodes []node
	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		p.pos++
		switch tok.kind {
		case tokText:
			nodes = append(nodes, textNode(tok.val))
		case tokExpr:
			e, err := parseExpr(tok.val)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, exprNode{expr: e})
		case tokStmt:
			keyword, rest := splitKeyword(tok.val)
			if keyword != "if" {
				return nodes, tok.val, nil
			}
			n, err := p.parseIf(rest)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, n)
		}
	}
	return nodes, "", nil
}

func (p *templateParser) parseIf(condSrc string) (*ifNode, error) {
	n := &ifNode{}
	for {
		cond, err := parseCondition(condSrc)
		if err != nil {
			return nil, err
		}
		body, stop, err := p.parseBody()
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})

		keyword, rest := splitKeyword(stop)
		switch keyword {
		case "elif":
			condSrc = rest
			continue
		case "else":
			otherwise, stop, err := p.parseBody()
			if err != nil {
				return nil, err
			}
			if kw, _ := splitKeyword(stop); kw != "endif" {
				return nil, fmt.Errorf("expected {%% endif %%}, got %q", stop)
			}
			n.otherwise = otherwise
			return n, nil
		case "endif":
			return n, nil
		case "":
			return nil, fmt.Errorf("unexpected end of template, expected {%% endif %%}")
		default:
			return nil, fmt.Errorf("unsupported tag %q", keyword)
		}
	}
}

func splitKeyword(stmt string) (string, string) {
	stmt = strings.TrimSpace(stmt)
	i := strings.IndexFunc(stmt, unicode.IsSpace)
	if i < 0 {
		return stmt, ""
	}
	return stmt[:i], strings.TrimSpace(stmt[i:])
}

func parseCondition(src string) (condition, error) {
	var c condition
	src = strings.TrimSpace(src)
	if src == "" {
		return c, fmt.Errorf("if requires a condition")
	}
	if kw, rest := splitKeyword(src); kw == "not" {
		c.negate = true
		src = rest
	}
	for _, op := range []string{"==", "!="} {
		if i := indexOutsideQuotes(src, op); i >= 0 {
			left, err := parseExpr(src[:i])
			if err != nil {
				return c, err
			}
			right, err := parseExpr(src[i+len(op):])
			if err != nil {
				return c, err
			}
			c.left, c.op, c.right = left, op, right
			return c, nil
		}
	}
	left, err := parseExpr(src)
	if err != nil {
		return c, err
	}
	c.left = left
	return c, nil
}

var filterArity = map[string][2]int{
	"upper":      {0, 0},
	"lower":      {0, 0},
	"trim":       {0, 0},
	"title":      {0, 0},
	"capitalize": {0, 0},
	"length":     {0, 0},
	"string":     {0, 0},
	"default":    {0, 1},
	"replace":    {2, 2},
}

func parseExpr(src string) (templateExpr, error) {
	var e templateExpr
	parts := splitOutsideQuotes(src, '|')
	base, err := parseOperand(parts[0])
	if err != nil {
		return e, err
	}
	e.base = base
	for _, part := range parts[1:] {
		f, err := parseFilter(part)
		if err != nil {
			return e, err
		}
		e.filters = append(e.filters, f)
	}
	return e, nil
}

func parseFilter(src string) (filterCall, error) {
	src = strings.TrimSpace(src)
	name, argSrc := src, ""
	if i := strings.IndexByte(src, '('); i >= 0 {
		if !strings.HasSuffix(src, ")") {
			return filterCall{}, fmt.Errorf("malformed filter %q", src)
		}
		name, argSrc = strings.TrimSpace(src[:i]), src[i+1:len(src)-1]
	}
	arity, ok := filterArity[name]
	if !ok {
		return filterCall{}, fmt.Errorf("unknown filter %q", name)
	}
	var args []any
	if strings.TrimSpace(argSrc) != "" {
		for _, a := range splitOutsideQuotes(argSrc, ',') {
			op, err := parseOperand(a)
			if err != nil {
				return filterCall{}, err
			}
			if !op.isLit {
				return filterCall{}, fmt.Errorf("filter %s: arguments must be literals", name)
			}
			args = append(args, op.lit)
		}
	}
	if len(args) < arity[0] || len(args) > arity[1] {
		return filterCall{}, fmt.Errorf("filter %s: wrong number of arguments", name)
	}
	return filterCall{name: name, args: args}, nil
}

func parseOperand(src string) (operand, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return operand{}, fmt.Errorf("empty expression")
	}
	switch src[0] {
	case '"':
		s, err := strconv.Unquote(src)
		if err != nil {
			return operand{}, fmt.Errorf("invalid string literal %s", src)
		}
		return operand{lit: s, isLit: true}, nil
	case '\'':
		if len(src) < 2 || src[len(src)-1] != '\'' {
			return operand{}, fmt.Errorf("invalid string literal %s", src)
		}
		return operand{lit: src[1 : len(src)-1], isLit: true}, nil
	}
	switch src {
	case "true", "True":
		return operand{lit: true, isLit: true}, nil
	case "false", "False":
		return operand{lit: false, isLit: true}, nil
	case "none", "None":
		return operand{lit: nil, isLit: true}, nil
	}
	if n, err := strconv.ParseInt(src, 10, 64); err == nil {
		return operand{lit: n, isLit: true}, nil
	}
	if f, err := strconv.ParseFloat(src, 64); err == nil {
		return operand{lit: f, isLit: true}, nil
	}
	path := strings.Split(src, ".")
	for _, seg := range path {
		if !isIdent(seg) {
			return operand{}, fmt.Errorf("invalid expression %q", src)
		}
	}
	return operand{path: path}, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func indexOutsideQuotes(s, sub string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case strings.HasPrefix(s[i:], sub):
			return i
		}
	}
	return -1
}

// evaluation

type undefinedValue struct{}

var undefined = undefinedValue{}

func renderNodes(b *strings.Builder, nodes []node, rec Record) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			b.WriteString(string(n))
		case exprNode:
			v, err := n.expr.eval(rec)
			if err != nil {
				return err
			}
			s, err := stringify(v)
			if err != nil {
				return err
			}
			b.WriteString(s)
		case *ifNode:
			body, err := n.choose(rec)
			if err != nil {
				return err
			}
			if err := renderNodes(b, body, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *ifNode) choose(rec Record) ([]node, error) {
	for _, br := range n.branches {
		ok, err := br.cond.eval(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			return br.body, nil
		}
	}
	return n.otherwise, nil
}

func (c condition) eval(rec Record) (bool, error) {
	left, err := c.left.eval(rec)
	if err != nil {
		return false, err
	}
	var result bool
	if c.op == "" {
		result = truthy(left)
	} else {
		right, err := c.right.eval(rec)
		if err != nil {
			return false, err
		}
		result = Equal(defined(left), defined(right))
		if c.op == "!=" {
			result = !result
		}
	}
	if c.negate {
		result = !result
	}
	return result, nil
}

func (e templateExpr) eval(rec Record) (any, error) {
	var v any
	if e.base.isLit {
		v = e.base.lit
	} else if got, ok := Get(rec, e.base.path...); ok {
		v = got
	} else {
		v = undefined
	}
	for _, f := range e.filters {
		var err error
		if v, err = f.apply(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (f filterCall) apply(v any) (any, error) {
	switch f.name {
	case "default":
		if v == undefined || v == nil {
			if len(f.args) == 0 {
				return "", nil
			}
			return f.args[0], nil
		}
		return v, nil
	case "length":
		switch val := v.(type) {
		case undefinedValue, nil:
			return int64(0), nil
		case string:
			return int64(utf8.RuneCountInString(val)), nil
		case []any:
			return int64(len(val)), nil
		case map[string]any:
			return int64(len(val)), nil
		default:
			return nil, fmt.Errorf("cannot take length of %s", typeName(v))
		}
	}

	s, err := stringify(v)
	if err != nil {
		return nil, err
	}
	switch f.name {
	case "upper":
		return strings.ToUpper(s), nil
	case "lower":
		return strings.ToLower(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "title":
		return titleCase(s), nil
	case "capitalize":
		if s == "" {
			return s, nil
		}
		r, size := utf8.DecodeRuneInString(s)
		return string(unicode.ToUpper(r)) + strings.ToLower(s[size:]), nil
	case "replace":
		from, _ := stringify(f.args[0])
		to, _ := stringify(f.args[1])
		return strings.ReplaceAll(s, from, to), nil
	default:
		return s, nil
	}
}

func titleCase(s string) string {
	var b strings.Builder
	start := true
	for _, r := range s {
		if unicode.IsSpace(r) || r == '-' || r == '_' {
			start = true
			b.WriteRune(r)
			continue
		}
		if start {
			b.WriteRune(unicode.ToUpper(r))
			start = false
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func defined(v any) any {
	if v == undefined {
		return nil
	}
	return v
}

func truthy(v any) bool {
	switch val := v.(type) {
	case undefinedValue, nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if n, ok := Number(v); ok {
		return n != 0
	}
	return true
}

func stringify(v any) (string, error) {
	switch v.(type) {
	case undefinedValue, nil:
		return "", nil
	case []any, map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if s, ok := Text(v); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func typeName(v any) string {
	switch v.(type) {
	case bool:
		return "a boolean"
	case string:
		return "a string"
	}
	if _, ok := Number(v); ok {
		return "a number"
	}
	return fmt.Sprintf("%T", v)
}
