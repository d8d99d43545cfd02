package descriptor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func userEntity() *Entity {
	return &Entity{
		Name: "User",
		Fields: []Field{
			{Name: "id", Type: Int64, PrimaryKey: true},
			{Name: "username", Type: String},
			{Name: "email", Type: String, Validate: "email"},
		},
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(userEntity()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	e, ok := r.Lookup("User")
	if !ok {
		t.Fatal("User not found")
	}
	if pk := e.PrimaryKey(); pk == nil || pk.Name != "id" {
		t.Errorf("PrimaryKey = %v, want id", pk)
	}
	if e.Fields[1].Cardinality != Single {
		t.Errorf("default cardinality = %q, want single", e.Fields[1].Cardinality)
	}
	if e.ProjectName() != DefaultProject {
		t.Errorf("ProjectName = %q, want %q", e.ProjectName(), DefaultProject)
	}
}

func TestRegistry_FrozenRejectsWrites(t *testing.T) {
	r := NewRegistry()
	if err := r.Freeze(); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(userEntity()); !errors.Is(err, ErrFrozen) {
		t.Errorf("Register after Freeze = %v, want ErrFrozen", err)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(userEntity()); err != nil {
		t.Fatal(err)
	}
	err := r.Register(userEntity())
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestValidateEntity(t *testing.T) {
	tests := []struct {
		name    string
		entity  *Entity
		wantErr string
	}{
		{
			name: "no primary key",
			entity: &Entity{Name: "A", Fields: []Field{
				{Name: "x", Type: String},
			}},
			wantErr: "exactly one primary key",
		},
		{
			name: "two primary keys",
			entity: &Entity{Name: "A", Fields: []Field{
				{Name: "x", Type: Int64, PrimaryKey: true},
				{Name: "y", Type: Int64, PrimaryKey: true},
			}},
			wantErr: "found 2",
		},
		{
			name: "duplicate names",
			entity: &Entity{Name: "A", Fields: []Field{
				{Name: "id", Type: Int64, PrimaryKey: true},
				{Name: "id", Type: String},
			}},
			wantErr: "duplicate field name",
		},
		{
			name: "bad wire name",
			entity: &Entity{Name: "A", Fields: []Field{
				{Name: "id", Type: Int64, PrimaryKey: true},
				{Name: "status", Type: Enum, Choices: []Choice{{Wire: "open", Label: "Open"}}},
			}},
			wantErr: "does not match",
		},
		{
			name: "read and write only",
			entity: &Entity{Name: "A", Fields: []Field{
				{Name: "id", Type: Int64, PrimaryKey: true},
				{Name: "secret", Type: String, ReadOnly: true, WriteOnly: true},
			}},
			wantErr: "both read_only and write_only",
		},
		{
			name: "unknown type",
			entity: &Entity{Name: "A", Fields: []Field{
				{Name: "id", Type: Int64, PrimaryKey: true},
				{Name: "when", Type: "date"},
			}},
			wantErr: "unknown semantic type",
		},
		{
			name: "read only primary key",
			entity: &Entity{Name: "A", Fields: []Field{
				{Name: "id", Type: Int64, PrimaryKey: true, ReadOnly: true},
			}},
			wantErr: "primary key cannot be read_only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.entity)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateEntity_CollectsAllProblems(t *testing.T) {
	err := NewRegistry().Register(&Entity{Name: "A", Fields: []Field{
		{Name: "x", Type: "nope"},
		{Name: "x", Type: String, ReadOnly: true, WriteOnly: true},
	}})
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if len(se.Problems) < 3 {
		t.Errorf("expected at least 3 problems, got %d: %v", len(se.Problems), se.Problems)
	}
}

func TestRegistry_FreezeChecksRelations(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Entity{Name: "Post", Fields: []Field{
		{Name: "id", Type: Int64, PrimaryKey: true},
		{Name: "author", Relation: &Relation{Target: "Author", Kind: BelongsTo}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	err = r.Freeze()
	if err == nil || !strings.Contains(err.Error(), "unknown target entity") {
		t.Fatalf("Freeze = %v, want unknown target error", err)
	}
	if r.Frozen() {
		t.Error("registry must stay unfrozen after a failed Freeze")
	}
}

func TestRegistry_HasManyVia(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &Entity{Name: "Author", Fields: []Field{
		{Name: "id", Type: Int64, PrimaryKey: true},
		{Name: "posts", Relation: &Relation{Target: "Post", Kind: HasMany, Via: "author"}},
	}})
	mustRegister(t, r, &Entity{Name: "Post", Fields: []Field{
		{Name: "id", Type: Int64, PrimaryKey: true},
		{Name: "author", Nullable: true, Relation: &Relation{Target: "Author", Kind: BelongsTo}},
	}})
	if err := r.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	author, _ := r.Lookup("Author")
	rels := author.Relations()
	if len(rels) != 1 || rels[0].Name != "posts" || !rels[0].Kind.Many() {
		t.Errorf("Relations = %+v", rels)
	}
}

func TestField_Required(t *testing.T) {
	tests := []struct {
		field Field
		want  bool
	}{
		{Field{Name: "a", Type: String, Cardinality: Single}, true},
		{Field{Name: "a", Type: String, Nullable: true}, false},
		{Field{Name: "a", Type: String, Default: "x"}, false},
		{Field{Name: "a", Type: String, ReadOnly: true}, false},
		{Field{Name: "a", Type: String, Cardinality: Repeated}, false},
		{Field{Name: "a", Type: String, Cardinality: Optional}, false},
		{Field{Name: "id", Type: Int64, PrimaryKey: true}, false},
		{Field{Name: "id", Type: String, PrimaryKey: true, ClientAssigned: true}, true},
	}
	for _, tt := range tests {
		if got := tt.field.Required(); got != tt.want {
			t.Errorf("%+v Required() = %v, want %v", tt.field, got, tt.want)
		}
	}
}

func TestField_ChoiceFor(t *testing.T) {
	f := Field{Name: "status", Type: Enum, Choices: []Choice{{"OPEN", "Open"}, {"CLOSED", "Closed"}}}
	for _, in := range []string{"OPEN", "Open"} {
		c, ok := f.ChoiceFor(in)
		if !ok || c.Wire != "OPEN" {
			t.Errorf("ChoiceFor(%q) = %v, %v", in, c, ok)
		}
	}
	if _, ok := f.ChoiceFor("open"); ok {
		t.Error("ChoiceFor must be case sensitive")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), `
project: shop
entities:
  - name: Item
    fields:
      - {name: id, type: int64, primary_key: true}
      - {name: name, type: string}
      - {name: qty, type: int32, default: 0}
`)
	writeFile(t, filepath.Join(dir, "b.jsonc"), `{
  // comments are allowed
  "project": "crm",
  "entities": [
    {"name": "Customer", "fields": [
      {"name": "id", "type": "uuid", "primary_key": true},
      {"name": "status", "type": "enum", "choices": [{"wire": "ACTIVE", "label": "Active"}]}
    ]}
  ]
}`)

	r := NewRegistry()
	if err := LoadInto(r, dir); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	es := r.Entities()
	if len(es) != 2 || es[0].Name != "Item" || es[1].Name != "Customer" {
		t.Fatalf("entities = %v", es)
	}
	if es[0].Project != "shop" || es[1].Project != "crm" {
		t.Errorf("projects = %q, %q", es[0].Project, es[1].Project)
	}
	if got := r.Projects(); len(got) != 2 {
		t.Errorf("Projects = %v", got)
	}
}

func TestLoadDir_SkipsOtherDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "item.yaml"), "entities:\n  - name: Item\n    fields:\n      - {name: id, type: int64, primary_key: true}\n")
	writeFile(t, filepath.Join(dir, "modelrpc.yaml"), "descriptors: [.]\nlog: {level: error}\n")
	writeFile(t, filepath.Join(dir, "package.json"), `{"name": "web"}`)

	es, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(es) != 1 || es[0].Name != "Item" {
		t.Errorf("entities = %v", es)
	}

	writeFile(t, filepath.Join(dir, "broken.yaml"), "entities:\n  - name: X\n    colour: red\n")
	if _, err := LoadDir(dir); err == nil {
		t.Error("expected error for a descriptor with an unknown key")
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.yaml")
	writeFile(t, p, "entities:\n  - name: X\n    colour: red\n")
	if _, err := LoadFile(p); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestPascalCase(t *testing.T) {
	tests := map[string]string{
		"status":      "Status",
		"created_at":  "CreatedAt",
		"line-item":   "LineItem",
		"AlreadyCase": "AlreadyCase",
	}
	for in, want := range tests {
		if got := PascalCase(in); got != want {
			t.Errorf("PascalCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func mustRegister(t *testing.T, r *Registry, e *Entity) {
	t.Helper()
	if err := r.Register(e); err != nil {
		t.Fatalf("Register(%s): %v", e.Name, err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
