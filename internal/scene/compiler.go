package scene

import (
	"slices"
	"strings"
	"unicode"
)

// Builtin compiles a small CSS-like style language:
//
//	@fill: #f00;
//	Map { background-color: transparent; }
//	#layer[zoom>=10] { polygon-fill: @fill; line-width: 0.5; }
//	#roads, #rails::casing { line-width: 2; }
//
// Blocks may nest; a nested block inherits its parent's filters and
// attachment. A comma-separated selector list yields one rule per selector.
type Builtin struct{}

var _ Compiler = Builtin{}

func (Builtin) Compile(style, version string, ds DataSource) (*Scene, error) {
	if strings.TrimSpace(style) == "" {
		style = DefaultStyle
	}
	p := &parser{src: []rune(style), line: 1, col: 1, vars: map[string]string{}}
	rules, mapProps, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Scene{
		SRS:     WebMercator,
		Version: version,
		Map:     mapProps,
		Layers: []Layer{{
			Name:       LayerName,
			DataSource: ds,
			Rules:      rules,
		}},
	}, nil
}

type parser struct {
	src       []rune
	pos       int
	line, col int
	vars      map[string]string
}

func (p *parser) errf(line, col int, msg string) error {
	return &CompileError{Line: line, Column: col, Msg: msg}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) next() rune {
	r := p.src[p.pos]
	p.pos++
	if r == '\n' {
		p.line++
		p.col = 1
	} else {
		p.col++
	}
	return r
}

// skip consumes whitespace and comments.
func (p *parser) skip() error {
	for !p.eof() {
		r := p.peek()
		switch {
		case unicode.IsSpace(r):
			p.next()
		case r == '/' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '*':
			line, col := p.line, p.col
			p.next()
			p.next()
			closed := false
			for !p.eof() {
				if p.peek() == '*' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '/' {
					p.next()
					p.next()
					closed = true
					break
				}
				p.next()
			}
			if !closed {
				return p.errf(line, col, "unterminated comment")
			}
		case r == '/' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '/':
			for !p.eof() && p.peek() != '\n' {
				p.next()
			}
		default:
			return nil
		}
	}
	return nil
}

func (p *parser) parse() ([]Rule, []Property, error) {
	var (
		rules    []Rule
		mapProps []Property
	)
	for {
		if err := p.skip(); err != nil {
			return nil, nil, err
		}
		if p.eof() {
			return rules, mapProps, nil
		}
		if p.peek() == '@' {
			if err := p.variable(); err != nil {
				return nil, nil, err
			}
			continue
		}
		if p.peek() == '}' {
			return nil, nil, p.errf(p.line, p.col, "unexpected '}'")
		}
		out, err := p.block()
		if err != nil {
			return nil, nil, err
		}
		for _, r := range out {
			if r.Selector == "Map" {
				mapProps = append(mapProps, r.Properties...)
				continue
			}
			rules = append(rules, r)
		}
	}
}

// variable parses "@name: value;".
func (p *parser) variable() error {
	line, col := p.line, p.col
	p.next() // @
	name := p.ident()
	if name == "" {
		return p.errf(line, col, "expected variable name after '@'")
	}
	if err := p.skip(); err != nil {
		return err
	}
	if p.eof() || p.peek() != ':' {
		return p.errf(p.line, p.col, "expected ':' after @"+name)
	}
	p.next()
	val, err := p.value()
	if err != nil {
		return err
	}
	p.vars[name] = val
	return nil
}

func (p *parser) ident() string {
	start := p.pos
	for !p.eof() {
		r := p.peek()
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			p.next()
			continue
		}
		break
	}
	return string(p.src[start:p.pos])
}

// value reads up to ';' or '}' and substitutes variables. The terminator
// ';' is consumed, '}' is left for the block.
func (p *parser) value() (string, error) {
	line, col := p.line, p.col
	var b strings.Builder
	inQuote := rune(0)
	for !p.eof() {
		r := p.peek()
		if inQuote != 0 {
			b.WriteRune(p.next())
			if r == inQuote {
				inQuote = 0
			}
			continue
		}
		if r == '"' || r == '\'' {
			inQuote = r
			b.WriteRune(p.next())
			continue
		}
		if r == ';' {
			p.next()
			break
		}
		if r == '}' {
			break
		}
		if r == '{' {
			return "", p.errf(p.line, p.col, "unexpected '{' in value")
		}
		b.WriteRune(p.next())
	}
	if inQuote != 0 {
		return "", p.errf(line, col, "unterminated string")
	}
	v := strings.TrimSpace(b.String())
	if v == "" {
		return "", p.errf(line, col, "empty value")
	}
	return p.expand(v, line, col)
}

func (p *parser) expand(v string, line, col int) (string, error) {
	if !strings.Contains(v, "@") {
		return v, nil
	}
	var b strings.Builder
	rs := []rune(v)
	for i := 0; i < len(rs); i++ {
		if rs[i] != '@' {
			b.WriteRune(rs[i])
			continue
		}
		j := i + 1
		for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '-' || rs[j] == '_') {
			j++
		}
		name := string(rs[i+1 : j])
		val, ok := p.vars[name]
		if !ok {
			return "", p.errf(line, col, "undefined variable @"+name)
		}
		b.WriteString(val)
		i = j - 1
	}
	return b.String(), nil
}

// selectorPart is one entry of a comma-separated selector list:
// name, optional "::attachment", then filters.
type selectorPart struct {
	name    string
	attach  string
	filters []Filter
}

// block parses "sel[, sel...] { ... }" and returns one rule per selector
// plus the nested rules under each, parents first. Filters are relative to
// the block; the caller prepends its own.
func (p *parser) block() ([]Rule, error) {
	line, col := p.line, p.col
	parts, err := p.selectors()
	if err != nil {
		return nil, err
	}
	if err := p.skip(); err != nil {
		return nil, err
	}
	if p.eof() || p.peek() != '{' {
		return nil, p.errf(p.line, p.col, "expected '{' after selector")
	}
	p.next()

	props := []Property{}
	var nested []Rule
	for done := false; !done; {
		if err := p.skip(); err != nil {
			return nil, err
		}
		if p.eof() {
			return nil, p.errf(line, col, "unclosed block")
		}
		switch r := p.peek(); {
		case r == '}':
			p.next()
			done = true
		case r == '@':
			if err := p.variable(); err != nil {
				return nil, err
			}
		case r == '[' || r == '#' || r == '.' || r == '&' || r == ':':
			if r == '&' {
				p.next()
			}
			inner, err := p.block()
			if err != nil {
				return nil, err
			}
			nested = append(nested, inner...)
		default:
			prop, err := p.declaration()
			if err != nil {
				return nil, err
			}
			props = append(props, prop)
		}
	}

	out := make([]Rule, 0, len(parts)*(1+len(nested)))
	for _, sp := range parts {
		out = append(out, Rule{
			Selector:   sp.name,
			Attachment: sp.attach,
			Filters:    joinFilters(sp.filters, nil),
			Properties: slices.Clone(props),
		})
		for _, n := range nested {
			if n.Selector == "" {
				n.Selector = sp.name
			}
			if n.Attachment == "" {
				n.Attachment = sp.attach
			}
			n.Filters = joinFilters(sp.filters, n.Filters)
			n.Properties = slices.Clone(n.Properties)
			out = append(out, n)
		}
	}
	return out, nil
}

func joinFilters(outer, inner []Filter) []Filter {
	if len(outer)+len(inner) == 0 {
		return nil
	}
	return append(slices.Clone(outer), inner...)
}

func (p *parser) selectors() ([]selectorPart, error) {
	var parts []selectorPart
	for {
		if err := p.skip(); err != nil {
			return nil, err
		}
		line, col := p.line, p.col
		sp, err := p.selector()
		if err != nil {
			return nil, err
		}
		if sp.name == "" && sp.attach == "" && len(sp.filters) == 0 {
			return nil, p.errf(line, col, "expected selector")
		}
		parts = append(parts, sp)
		if err := p.skip(); err != nil {
			return nil, err
		}
		if p.eof() || p.peek() != ',' {
			return parts, nil
		}
		p.next()
	}
}

func (p *parser) selector() (selectorPart, error) {
	var (
		sp  selectorPart
		sel strings.Builder
	)
	for !p.eof() {
		r := p.peek()
		if r == '#' || r == '.' {
			sel.WriteRune(p.next())
			sel.WriteString(p.ident())
			continue
		}
		if unicode.IsLetter(r) && sel.Len() == 0 {
			sel.WriteString(p.ident())
			continue
		}
		break
	}
	sp.name = sel.String()

	if p.peek() == ':' {
		line, col := p.line, p.col
		if p.pos+1 >= len(p.src) || p.src[p.pos+1] != ':' {
			return sp, p.errf(line, col, "expected '::' before attachment name")
		}
		p.next()
		p.next()
		if sp.attach = p.ident(); sp.attach == "" {
			return sp, p.errf(line, col, "expected attachment name after '::'")
		}
	}

	for {
		if err := p.skip(); err != nil {
			return sp, err
		}
		if p.eof() || p.peek() != '[' {
			break
		}
		f, err := p.filter()
		if err != nil {
			return sp, err
		}
		sp.filters = append(sp.filters, f)
	}
	return sp, nil
}

var filterOps = []string{">=", "<=", "!=", "=~", "=", ">", "<"}

func (p *parser) filter() (Filter, error) {
	line, col := p.line, p.col
	p.next() // [
	var b strings.Builder
	for !p.eof() && p.peek() != ']' {
		if p.peek() == '\n' || p.peek() == '{' {
			break
		}
		b.WriteRune(p.next())
	}
	if p.eof() || p.peek() != ']' {
		return Filter{}, p.errf(line, col, "unclosed filter")
	}
	p.next()
	body := strings.TrimSpace(b.String())
	for _, op := range filterOps {
		if i := strings.Index(body, op); i > 0 {
			field := strings.TrimSpace(body[:i])
			val := strings.TrimSpace(body[i+len(op):])
			if field == "" || val == "" {
				break
			}
			v, err := p.expand(val, line, col)
			if err != nil {
				return Filter{}, err
			}
			return Filter{Field: field, Op: op, Value: v}, nil
		}
	}
	return Filter{}, p.errf(line, col, "invalid filter ["+body+"]")
}

func (p *parser) declaration() (Property, error) {
	line, col := p.line, p.col
	name := p.ident()
	if name == "" {
		return Property{}, p.errf(line, col, "unexpected character "+string(p.peek()))
	}
	if err := p.skip(); err != nil {
		return Property{}, err
	}
	if p.eof() || p.peek() != ':' {
		return Property{}, p.errf(p.line, p.col, "expected ':' after property "+name)
	}
	p.next()
	v, err := p.value()
	if err != nil {
		return Property{}, err
	}
	return Property{Name: name, Value: v}, nil
}
