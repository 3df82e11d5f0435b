package scene

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

func vectorSource() DataSource {
	return DataSource{
		Type:           SourceVector,
		Database:       "db",
		Table:          "(SELECT * FROM t) as sub",
		GeometryColumn: model.DefaultGeomColumn,
		SRID:           3857,
	}
}

func TestCompile_SimpleRule(t *testing.T) {
	s, err := Builtin{}.Compile("#layer { polygon-fill: red; }", "2.0.0", vectorSource())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if s.SRS != WebMercator || s.Version != "2.0.0" {
		t.Fatalf("scene header = %q %q", s.SRS, s.Version)
	}
	if len(s.Layers) != 1 || s.Layers[0].DataSource.Table != "(SELECT * FROM t) as sub" {
		t.Fatalf("layers = %+v", s.Layers)
	}
	want := []Rule{{Selector: "#layer", Properties: []Property{{Name: "polygon-fill", Value: "red"}}}}
	if !reflect.DeepEqual(s.Layers[0].Rules, want) {
		t.Fatalf("rules = %+v want %+v", s.Layers[0].Rules, want)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	style := `
	@c: #123456;
	Map { background-color: transparent; }
	#layer { line-color: @c; line-width: 1;
	  [zoom>=10] { line-width: 2; }
	}`
	a, err := Builtin{}.Compile(style, "", vectorSource())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, err := Builtin{}.Compile(style, "", vectorSource())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("compile is not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestCompile_VariablesNestingAndMap(t *testing.T) {
	style := `/* comment */
	@fill: #f00;
	// line comment
	Map { background-color: #fff; }
	#layer {
		polygon-fill: @fill;
		[zoom>=10] { polygon-opacity: 0.5; }
		&[zoom<3] { polygon-opacity: 1 }
	}`
	s, err := Builtin{}.Compile(style, "", vectorSource())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(s.Map) != 1 || s.Map[0].Value != "#fff" {
		t.Fatalf("map props = %+v", s.Map)
	}
	rules := s.Layers[0].Rules
	if len(rules) != 3 {
		t.Fatalf("rules = %+v", rules)
	}
	if rules[0].Properties[0].Value != "#f00" {
		t.Fatalf("variable not expanded: %+v", rules[0])
	}
	if rules[1].Selector != "#layer" || len(rules[1].Filters) != 1 ||
		rules[1].Filters[0] != (Filter{Field: "zoom", Op: ">=", Value: "10"}) {
		t.Fatalf("nested rule = %+v", rules[1])
	}
	if rules[2].Filters[0].Op != "<" {
		t.Fatalf("& rule = %+v", rules[2])
	}
}

func TestCompile_SelectorListsAndAttachments(t *testing.T) {
	style := `
	#roads, #rails[zoom>=8] { line-width: 2; }
	#layer::casing, #layer::fill {
		line-color: #000;
		[zoom>=12] { line-width: 4; }
	}
	#water { ::glow { line-opacity: 0.5; } }`
	s, err := Builtin{}.Compile(style, "", vectorSource())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	z8 := Filter{Field: "zoom", Op: ">=", Value: "8"}
	z12 := Filter{Field: "zoom", Op: ">=", Value: "12"}
	width2 := []Property{{Name: "line-width", Value: "2"}}
	black := []Property{{Name: "line-color", Value: "#000"}}
	width4 := []Property{{Name: "line-width", Value: "4"}}
	want := []Rule{
		{Selector: "#roads", Properties: width2},
		{Selector: "#rails", Filters: []Filter{z8}, Properties: width2},
		{Selector: "#layer", Attachment: "casing", Properties: black},
		{Selector: "#layer", Attachment: "casing", Filters: []Filter{z12}, Properties: width4},
		{Selector: "#layer", Attachment: "fill", Properties: black},
		{Selector: "#layer", Attachment: "fill", Filters: []Filter{z12}, Properties: width4},
		{Selector: "#water", Properties: []Property{}},
		{Selector: "#water", Attachment: "glow", Properties: []Property{{Name: "line-opacity", Value: "0.5"}}},
	}
	if !reflect.DeepEqual(s.Layers[0].Rules, want) {
		t.Fatalf("rules =\n%+v\nwant\n%+v", s.Layers[0].Rules, want)
	}

	// Rules expanded from one list must not share backing arrays.
	s.Layers[0].Rules[0].Properties[0].Value = "9"
	if s.Layers[0].Rules[1].Properties[0].Value != "2" {
		t.Fatal("grouped rules share properties")
	}
}

func TestCompile_BlankStyleUsesDefault(t *testing.T) {
	for _, style := range []string{"", "   \n\t"} {
		s, err := Builtin{}.Compile(style, "", vectorSource())
		if err != nil {
			t.Fatalf("Compile(%q): %v", style, err)
		}
		if len(s.Layers) != 1 || len(s.Layers[0].Rules) != 1 || s.Layers[0].Rules[0].Selector != "#"+LayerName {
			t.Fatalf("default scene = %+v", s.Layers)
		}
	}
}

func TestCompile_Errors(t *testing.T) {
	cases := []struct {
		name      string
		style     string
		line, col int
	}{
		{"unclosed block", "#layer { polygon-fill: red; ", 1, 1},
		{"missing brace", "#layer polygon-fill: red; }", 1, 8},
		{"undefined variable", "#layer {\n  polygon-fill: @nope;\n}", 2, 16},
		{"stray close", "}", 1, 1},
		{"bad filter", "#layer[zoom] { a: b; }", 1, 7},
		{"unterminated comment", "/* open", 1, 1},
		{"empty value", "#layer { a: ; }", 1, 12},
		{"dangling comma", "#a, { a: b; }", 1, 5},
		{"single colon attachment", "#layer:glow { a: b; }", 1, 7},
		{"empty attachment", "#layer:: { a: b; }", 1, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Builtin{}.Compile(tc.style, "", vectorSource())
			if err == nil {
				t.Fatalf("expected error")
			}
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("err %T is not *CompileError", err)
			}
			if ce.Line != tc.line || ce.Column != tc.col {
				t.Fatalf("position = %d:%d want %d:%d (%s)", ce.Line, ce.Column, tc.line, tc.col, ce.Msg)
			}
			if !errors.Is(err, model.ErrStyleCompile) {
				t.Fatalf("errors.Is(ErrStyleCompile) = false")
			}
		})
	}
}
