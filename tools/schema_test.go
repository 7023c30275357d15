package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type tripArgs struct {
	City   string   `json:"city" jsonschema:"description=Destination city"`
	Nights int      `json:"nights,omitempty" jsonschema:"minimum=1,maximum=30"`
	Tags   []string `json:"tags,omitempty"`
}

func TestInputSchema(t *testing.T) {
	spec := &Spec{
		ToolName: "search",
		Parameters: []*Parameter{
			{Name: "q", Type: ParamString, Required: true, Description: "Search query", MinLength: intPtr(1)},
			{Name: "limit", Type: ParamInteger, Minimum: floatPtr(1), Maximum: floatPtr(100)},
			{
				Name: "filters",
				Type: ParamObject,
				Properties: []*Parameter{
					{Name: "lang", Type: ParamString, Required: true},
					{Name: "region", Type: ParamString},
				},
			},
			{Name: "tags", Type: ParamArray, Items: &Parameter{Type: ParamString, Enum: []any{"news", "blog"}}},
		},
	}

	schema := spec.InputSchema()
	require.Equal(t, "object", schema["type"])
	require.Equal(t, []string{"q"}, schema["required"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	require.Len(t, props, 4)

	q := props["q"].(map[string]any)
	require.Equal(t, "string", q["type"])
	require.Equal(t, "Search query", q["description"])
	require.Equal(t, 1, q["minLength"])

	limit := props["limit"].(map[string]any)
	require.Equal(t, float64(1), limit["minimum"])
	require.Equal(t, float64(100), limit["maximum"])

	filters := props["filters"].(map[string]any)
	require.Equal(t, []string{"lang"}, filters["required"])
	inner, ok := filters["properties"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, inner, "region")

	tags := props["tags"].(map[string]any)
	items, ok := tags["items"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "string", items["type"])
	require.Equal(t, []any{"news", "blog"}, items["enum"])
}

func TestInputSchemaOmitsEmptyRequired(t *testing.T) {
	spec := &Spec{Parameters: []*Parameter{{Name: "verbose", Type: ParamBoolean}}}
	require.NotContains(t, spec.InputSchema(), "required")
}

func TestParametersFromStruct(t *testing.T) {
	params := ParametersFromStruct(&tripArgs{})
	require.Len(t, params, 3)

	city := params[0]
	require.Equal(t, "city", city.Name)
	require.Equal(t, ParamString, city.Type)
	require.True(t, city.Required)
	require.Equal(t, "Destination city", city.Description)

	nights := params[1]
	require.Equal(t, "nights", nights.Name)
	require.Equal(t, ParamInteger, nights.Type)
	require.False(t, nights.Required)
	require.NotNil(t, nights.Minimum)
	require.Equal(t, float64(1), *nights.Minimum)
	require.NotNil(t, nights.Maximum)
	require.Equal(t, float64(30), *nights.Maximum)

	tags := params[2]
	require.Equal(t, "tags", tags.Name)
	require.Equal(t, ParamArray, tags.Type)
	require.NotNil(t, tags.Items)
	require.Equal(t, ParamString, tags.Items.Type)
}

func TestParametersFromStructValidate(t *testing.T) {
	spec := &Spec{ToolName: "trip", Parameters: ParametersFromStruct(&tripArgs{})}

	_, err := spec.ValidateArgs(map[string]any{"nights": 2})
	require.True(t, IsKind(err, KindValidation))

	norm, err := spec.ValidateArgs(map[string]any{"city": "Lyon", "nights": float64(3)})
	require.NoError(t, err)
	require.Equal(t, "Lyon", norm["city"])
}
