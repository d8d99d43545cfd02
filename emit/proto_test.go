package emit

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/schema"
)

var update = flag.Bool("update", false, "rewrite golden files in testdata")

// compileArchive loads the entities.yaml file of an archive, declares a
// model service per entity and compiles the archive's project.
func compileArchive(t *testing.T, ar *txtar.Archive) (*schema.Schema, string) {
	t.Helper()
	dir := t.TempDir()
	var golden string
	for _, f := range ar.Files {
		if strings.HasSuffix(f.Name, ".proto") {
			golden = f.Name
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg := descriptor.NewRegistry()
	if err := descriptor.LoadInto(reg, dir); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	services := schema.NewServiceRegistry()
	for _, e := range reg.Entities() {
		if _, err := services.DeclareModel(e.Name+"Service", e); err != nil {
			t.Fatal(err)
		}
	}
	project := strings.TrimSuffix(golden, ".proto")
	s, err := schema.Compile(reg, services, project)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return s, golden
}

func TestProto_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/*.txtar")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatal("no golden archives")
	}
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			ar, err := txtar.ParseFile(path)
			if err != nil {
				t.Fatal(err)
			}
			s, golden := compileArchive(t, ar)
			got, err := Proto(s, Options{})
			if err != nil {
				t.Fatalf("Proto: %v", err)
			}

			if *update {
				for i := range ar.Files {
					if ar.Files[i].Name == golden {
						ar.Files[i].Data = got
					}
				}
				if err := os.WriteFile(path, txtar.Format(ar), 0o644); err != nil {
					t.Fatal(err)
				}
				return
			}

			for _, f := range ar.Files {
				if f.Name == golden && !bytes.Equal(got, f.Data) {
					t.Errorf("%s mismatch\n--- got ---\n%s\n--- want ---\n%s", golden, got, f.Data)
				}
			}
		})
	}
}

func TestProto_Deterministic(t *testing.T) {
	ar, err := txtar.ParseFile("testdata/item.txtar")
	if err != nil {
		t.Fatal(err)
	}
	first, _ := compileArchive(t, ar)
	second, _ := compileArchive(t, ar)

	a, err := Proto(first, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, err := Proto(second, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("emission %d differs from the first", i)
		}
	}
}

func TestProto_Options(t *testing.T) {
	s := &schema.Schema{
		Package:  "ignored",
		Messages: []*schema.MessageSchema{{Name: "Ping"}},
		Services: []*schema.ServiceSchema{{
			Name: "Echo",
			Methods: []schema.Method{
				{Name: "Chat", Input: "Ping", Output: "Ping", Streaming: schema.Bidi},
				{Name: "Upload", Input: "Ping", Output: "Ping", Streaming: schema.ClientStreaming},
			},
		}},
	}
	got, err := Proto(s, Options{Package: "acme.v1", Header: "first\nsecond"})
	if err != nil {
		t.Fatal(err)
	}
	out := string(got)
	for _, want := range []string{
		"// first\n// second\n",
		"package acme.v1;",
		"rpc Chat(stream Ping) returns (stream Ping);",
		"rpc Upload(stream Ping) returns (Ping);",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestProto_InvalidSchema(t *testing.T) {
	s := &schema.Schema{
		Messages: []*schema.MessageSchema{{
			Name:   "Bad",
			Fields: []schema.FieldSchema{{Tag: 2, Name: "x", Type: "Missing"}},
		}},
	}
	if _, err := Proto(s, Options{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestOrder(t *testing.T) {
	msg := func(name string, deps ...string) *schema.MessageSchema {
		m := &schema.MessageSchema{Name: name}
		for i, d := range deps {
			m.Fields = append(m.Fields, schema.FieldSchema{Tag: i + 1, Name: strings.ToLower(d), Type: d})
		}
		return m
	}

	tests := []struct {
		name string
		in   []*schema.MessageSchema
		want []string
	}{
		{
			name: "dependencies first",
			in:   []*schema.MessageSchema{msg("A", "B"), msg("B", "C"), msg("C")},
			want: []string{"C", "B", "A"},
		},
		{
			name: "name tie break",
			in:   []*schema.MessageSchema{msg("Z"), msg("M"), msg("A")},
			want: []string{"A", "M", "Z"},
		},
		{
			name: "cycle broken by name",
			in:   []*schema.MessageSchema{msg("B", "A"), msg("A", "B"), msg("C")},
			want: []string{"C", "A", "B"},
		},
		{
			name: "external references ignored",
			in:   []*schema.MessageSchema{msg("A", schema.TimestampType, "Elsewhere")},
			want: []string{"A"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, m := range Order(tt.in) {
				got = append(got, m.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Order = %v, want %v", got, tt.want)
			}
		})
	}
}
