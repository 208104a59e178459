// ABOUTME: YAML model declarations for tools that do not link the record types
// ABOUTME: Uses the same attribute grammar as the struct tags

package schema

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldDeclaration declares one field, e.g. {name: password, attrs: "hidden,name=pswd"}
type FieldDeclaration struct {
	Name  string `yaml:"name"`
	Attrs string `yaml:"attrs,omitempty"`
}

// Declaration declares one model
type Declaration struct {
	Collection string             `yaml:"collection"`
	Timestamps bool               `yaml:"timestamps,omitempty"`
	Fields     []FieldDeclaration `yaml:"fields"`
}

type declarationFile struct {
	Models []Declaration `yaml:"models"`
}

// LoadDeclarations decodes a YAML document of the form
//
//	models:
//	  - collection: user
//	    timestamps: true
//	    fields:
//	      - {name: phone, attrs: "asc,unique"}
//	      - {name: password, attrs: "hidden,name=pswd"}
func LoadDeclarations(r io.Reader) ([]Declaration, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file declarationFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode model declarations: %w", err)
	}
	return file.Models, nil
}

// LoadDeclarationFile reads declarations from a file
func LoadDeclarationFile(path string) ([]Declaration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model declarations: %w", err)
	}
	defer f.Close()

	return LoadDeclarations(f)
}

// FromDeclaration builds metadata without a Go record type.
func FromDeclaration(d Declaration) (*Metadata, error) {
	fields := make([]FieldSpec, 0, len(d.Fields))
	for _, fd := range d.Fields {
		a, err := parseAttrs(d.Collection, fd.Name, fd.Attrs)
		if err != nil {
			return nil, err
		}

		f := FieldSpec{
			Name:   fd.Name,
			DBName: fd.Name,
			Hidden: a.hidden,
			Index:  a.index,
		}
		if a.name != "" {
			f.DBName = a.name
		}
		fields = append(fields, f)
	}

	return build(d.Collection, nil, nil, fields, d.Timestamps)
}
