package tools

import (
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// InputSchema renders the parameter declarations as a JSON Schema object,
// the shape model providers expect for tool definitions.
func (s *Spec) InputSchema() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	var required []string
	for _, p := range s.Parameters {
		properties[p.Name] = p.schema()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (p *Parameter) schema() map[string]any {
	out := map[string]any{}
	if p.Type != "" {
		out["type"] = string(p.Type)
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Minimum != nil {
		out["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		out["maximum"] = *p.Maximum
	}
	if p.Pattern != "" {
		out["pattern"] = p.Pattern
	}
	if p.MinLength != nil {
		out["minLength"] = *p.MinLength
	}
	if p.MaxLength != nil {
		out["maxLength"] = *p.MaxLength
	}
	if p.Items != nil {
		out["items"] = p.Items.schema()
	}
	if len(p.Properties) > 0 {
		props := make(map[string]any, len(p.Properties))
		var required []string
		for _, prop := range p.Properties {
			props[prop.Name] = prop.schema()
			if prop.Required {
				required = append(required, prop.Name)
			}
		}
		out["properties"] = props
		if len(required) > 0 {
			out["required"] = required
		}
	}
	return out
}

// ParametersFromStruct derives parameter declarations from a Go struct,
// using json tags for names and jsonschema tags for constraints. Tool
// authors declare argument types once and get validation and model-facing
// schemas from the same source.
func ParametersFromStruct(v any) []*Parameter {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	return schemaParameters(schema)
}

func schemaParameters(schema *jsonschema.Schema) []*Parameter {
	if schema == nil || schema.Properties == nil {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	var params []*Parameter
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		p := schemaParameter(pair.Key, pair.Value)
		p.Required = required[pair.Key]
		params = append(params, p)
	}
	return params
}

func schemaParameter(name string, schema *jsonschema.Schema) *Parameter {
	p := &Parameter{
		Name:        name,
		Type:        ParamType(schema.Type),
		Description: schema.Description,
		Pattern:     schema.Pattern,
		Enum:        schema.Enum,
	}
	if f, ok := numberValue(string(schema.Minimum)); ok {
		p.Minimum = &f
	}
	if f, ok := numberValue(string(schema.Maximum)); ok {
		p.Maximum = &f
	}
	if schema.MinLength != nil {
		n := int(*schema.MinLength)
		p.MinLength = &n
	}
	if schema.MaxLength != nil {
		n := int(*schema.MaxLength)
		p.MaxLength = &n
	}
	if schema.Items != nil {
		p.Items = schemaParameter("", schema.Items)
	}
	if schema.Properties != nil {
		p.Properties = schemaParameters(schema)
	}
	return p
}

func numberValue(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
