package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// parseYAML decodes a YAML (or JSON) stack document. The document is checked
// against the #Stack schema, then walked as a node tree so the order of
// struct-form groups and of inputs is kept.
func parseYAML(schemas *SchemaRegistry, file string, data []byte) (*Document, error) {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, ValidationError{File: file, Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if generic == nil {
		return nil, ValidationError{File: file, Message: "empty stack document"}
	}
	if err := schemas.ValidateAgainstSchema(context.Background(), SchemaStack, generic); err != nil {
		return nil, withFile(convertCUEErrors(err), file)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, ValidationError{File: file, Message: err.Error()}
	}
	top := root.Content[0]

	doc := &Document{}
	var errs *multierror.Error
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, val := top.Content[i], top.Content[i+1]
		var err error
		switch key.Value {
		case "name":
			err = val.Decode(&doc.Name)
		case "policy":
			err = val.Decode(&doc.Policy)
		case "settings":
			err = val.Decode(&doc.Settings)
		case "groups":
			doc.Groups, err = yamlGroups(val)
		}
		if err != nil {
			errs = multierror.Append(errs, ValidationError{File: file, Line: val.Line, Column: val.Column, Path: key.Value, Message: err.Error()})
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return doc, nil
}

func yamlGroups(node *yaml.Node) ([]GroupConfig, error) {
	var groups []GroupConfig
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			g, err := yamlGroup("", item)
			if err != nil {
				return nil, err
			}
			groups = append(groups, g)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			g, err := yamlGroup(node.Content[i].Value, node.Content[i+1])
			if err != nil {
				return nil, err
			}
			groups = append(groups, g)
		}
	default:
		return nil, fmt.Errorf("groups must be a list or a mapping")
	}
	return groups, nil
}

func yamlGroup(key string, node *yaml.Node) (GroupConfig, error) {
	var group GroupConfig
	if err := node.Decode(&group); err != nil {
		return group, fmt.Errorf("line %d: %w", node.Line, err)
	}
	if key != "" {
		if group.Name != "" && group.Name != key {
			return group, fmt.Errorf("line %d: name %q does not match key %q", node.Line, group.Name, key)
		}
		group.Name = key
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "inputs" {
			continue
		}
		inputs := node.Content[i+1]
		for j := 0; j+1 < len(inputs.Content); j += 2 {
			var v interface{}
			if err := inputs.Content[j+1].Decode(&v); err != nil {
				return group, fmt.Errorf("line %d: input %s: %w", inputs.Content[j].Line, inputs.Content[j].Value, err)
			}
			group.Inputs = append(group.Inputs, InputConfig{Name: inputs.Content[j].Value, Value: v})
		}
	}

	return group, nil
}

// withFile stamps file on validation errors that carry no position.
func withFile(err error, file string) error {
	merr, ok := err.(*multierror.Error)
	if !ok {
		return err
	}
	for i, e := range merr.Errors {
		if ve, ok := e.(ValidationError); ok && ve.File == "" {
			ve.File = file
			merr.Errors[i] = ve
		}
	}
	return merr
}
