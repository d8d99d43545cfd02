package descriptor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a descriptor file. Entities inherit the
// file's project unless they declare their own.
type File struct {
	Project  string    `yaml:"project" json:"project"`
	Entities []*Entity `yaml:"entities" json:"entities"`
}

// LoadFile parses one descriptor file. YAML (.yaml, .yml) and JSON with
// comments (.json, .jsonc) are supported.
func LoadFile(path string) ([]*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(path, data)
}

func parse(path string, data []byte) ([]*Entity, error) {
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported descriptor format", path)
	}
	for _, e := range f.Entities {
		if e.Project == "" {
			e.Project = f.Project
		}
	}
	return f.Entities, nil
}

// declaresEntities reports whether data has a top-level entities key.
// Documents that do not parse as a mapping count as descriptors so that
// parse reports the error.
func declaresEntities(path string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		var top map[string]json.RawMessage
		if err := json.Unmarshal(jsonc.ToJSON(data), &top); err != nil {
			return true
		}
		_, ok := top["entities"]
		return ok
	}
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return true
	}
	_, ok := top["entities"]
	return ok
}

// LoadDir walks dir and parses every descriptor file in lexical path order,
// so repeated loads register entities in the same order. Files without a
// top-level entities key, such as a settings file kept alongside, are
// skipped.
func LoadDir(dir string) ([]*Entity, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json", ".jsonc":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var all []*Entity
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if !declaresEntities(p, data) {
			continue
		}
		es, err := parse(p, data)
		if err != nil {
			return nil, err
		}
		all = append(all, es...)
	}
	return all, nil
}

// LoadInto loads dir and registers every entity into r, then freezes r.
func LoadInto(r *Registry, dir string) error {
	entities, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return r.Freeze()
}
