package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/hashicorp/go-multierror"
)

// CUEParser parses CUE stack documents. Files are unified with the #Stack
// schema before decoding.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:     ctx,
		schemas: NewSchemaRegistry(ctx),
	}
}

// Schemas returns the schema registry.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// ParseFile parses a single CUE file.
func (cp *CUEParser) ParseFile(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return cp.parse(cp.ctx.CompileBytes(content, cue.Filename(path)))
}

// ParseDirectory loads a directory as a CUE package and returns the files
// that were part of it.
func (cp *CUEParser) ParseDirectory(dir string) (*Document, []string, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, nil, ValidationError{File: dir, Message: "no CUE files found"}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, nil, convertCUEErrors(inst.Err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	doc, err := cp.parse(cp.ctx.BuildInstance(inst))
	return doc, files, err
}

// ParseInline parses CUE source held in memory.
func (cp *CUEParser) ParseInline(name, content string) (*Document, error) {
	return cp.parse(cp.ctx.CompileString(content, cue.Filename(name)))
}

func (cp *CUEParser) parse(val cue.Value) (*Document, error) {
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified, err := cp.schemas.Unify(SchemaStack, val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	return cp.extractDocument(unified)
}

// extractDocument decodes the unified value. Groups and inputs are walked
// field by field so declaration order survives.
func (cp *CUEParser) extractDocument(val cue.Value) (*Document, error) {
	doc := &Document{}
	var errs *multierror.Error

	decode := func(path string, target interface{}) {
		v := val.LookupPath(cue.ParsePath(path))
		if !v.Exists() {
			return
		}
		if err := v.Decode(target); err != nil {
			errs = multierror.Append(errs, ValidationError{Path: path, Message: err.Error()})
		}
	}
	decode("name", &doc.Name)
	decode("policy", &doc.Policy)
	decode("settings", &doc.Settings)

	groupsVal := val.LookupPath(cue.ParsePath("groups"))
	switch groupsVal.IncompleteKind() {
	case cue.StructKind:
		iter, err := groupsVal.Fields()
		if err != nil {
			return nil, ValidationError{Path: "groups", Message: err.Error()}
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			group, err := cp.extractGroup(key, iter.Value())
			if err != nil {
				errs = multierror.Append(errs, ValidationError{Path: "groups." + key, Message: err.Error()})
				continue
			}
			doc.Groups = append(doc.Groups, group)
		}
	case cue.ListKind:
		list, err := groupsVal.List()
		if err != nil {
			return nil, ValidationError{Path: "groups", Message: err.Error()}
		}
		for idx := 0; list.Next(); idx++ {
			group, err := cp.extractGroup("", list.Value())
			if err != nil {
				errs = multierror.Append(errs, ValidationError{Path: fmt.Sprintf("groups[%d]", idx), Message: err.Error()})
				continue
			}
			doc.Groups = append(doc.Groups, group)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (cp *CUEParser) extractGroup(key string, val cue.Value) (GroupConfig, error) {
	var group GroupConfig
	if err := val.Decode(&group); err != nil {
		return group, fmt.Errorf("failed to decode group: %w", err)
	}

	if key != "" {
		if group.Name != "" && group.Name != key {
			return group, fmt.Errorf("name %q does not match key %q", group.Name, key)
		}
		group.Name = key
	}

	inputs := val.LookupPath(cue.ParsePath("inputs"))
	if !inputs.Exists() {
		return group, nil
	}
	iter, err := inputs.Fields()
	if err != nil {
		return group, fmt.Errorf("failed to iterate inputs: %w", err)
	}
	for iter.Next() {
		var v interface{}
		if err := iter.Value().Decode(&v); err != nil {
			return group, fmt.Errorf("input %s: %w", iter.Selector().Unquoted(), err)
		}
		group.Inputs = append(group.Inputs, InputConfig{Name: iter.Selector().Unquoted(), Value: v})
	}

	return group, nil
}

// convertCUEErrors flattens a CUE error into positioned ValidationErrors.
func convertCUEErrors(err error) error {
	var errs *multierror.Error
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Path: strings.Join(e.Path(), "."), Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		errs = multierror.Append(errs, ve)
	}
	if errs == nil {
		return err
	}
	return errs
}
