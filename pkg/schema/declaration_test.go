package schema

import (
	"strings"
	"testing"

	"github.com/kak-smko/mongodb-ro/pkg/modelerr"
)

const declarationsYAML = `
models:
  - collection: user
    timestamps: true
    fields:
      - {name: _id}
      - {name: name}
      - {name: phone, attrs: "asc,unique"}
      - {name: age, attrs: desc}
      - {name: password, attrs: "hidden,name=pswd"}
  - collection: place
    fields:
      - {name: location, attrs: sphere2d}
`

func TestLoadDeclarations(t *testing.T) {
	decls, err := LoadDeclarations(strings.NewReader(declarationsYAML))
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(decls) != 2 {
		t.Fatalf("Expected 2 declarations, got %d", len(decls))
	}

	user, err := FromDeclaration(decls[0])
	if err != nil {
		t.Fatalf("Failed to build metadata: %v", err)
	}
	if user.Type() != nil {
		t.Error("Declared metadata should have no record type")
	}
	if !user.Timestamps() {
		t.Error("Expected timestamps enabled")
	}
	if user.DBName("password") != "pswd" {
		t.Errorf("Expected pswd, got %s", user.DBName("password"))
	}

	place, err := FromDeclaration(decls[1])
	if err != nil {
		t.Fatalf("Failed to build metadata: %v", err)
	}
	loc, _ := place.Field("location")
	if loc.Index == nil || loc.Index.Kind != Sphere2D {
		t.Errorf("Expected 2dsphere index, got %+v", loc.Index)
	}
}

func TestLoadDeclarationsUnknownKey(t *testing.T) {
	_, err := LoadDeclarations(strings.NewReader("models:\n  - collection: a\n    indexes: []\n"))
	if err == nil {
		t.Fatal("Expected error for unknown key")
	}
}

func TestLoadDeclarationsEmpty(t *testing.T) {
	decls, err := LoadDeclarations(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(decls) != 0 {
		t.Errorf("Expected no declarations, got %d", len(decls))
	}
}

func TestFromDeclarationCollision(t *testing.T) {
	_, err := FromDeclaration(Declaration{
		Collection: "user",
		Fields: []FieldDeclaration{
			{Name: "password", Attrs: "name=secret"},
			{Name: "token", Attrs: "name=secret"},
		},
	})
	if !modelerr.IsConfiguration(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}
