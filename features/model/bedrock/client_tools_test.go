package bedrock

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"goa.design/flow/model"
)

func TestEncodeTools(t *testing.T) {
	cfg, canonToSan, sanToCanon, err := encodeTools([]*model.ToolDefinition{
		{
			Name:        "crm.lookup",
			Description: "Search",
			InputSchema: map[string]any{"type": "object"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Tools, 1)
	require.Equal(t, "crm_lookup", canonToSan["crm.lookup"])
	require.Equal(t, "crm.lookup", sanToCanon["crm_lookup"])

	spec, ok := cfg.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	require.Equal(t, "crm_lookup", aws.ToString(spec.Value.Name))
	require.Equal(t, "Search", aws.ToString(spec.Value.Description))
}

func TestEncodeToolsEmpty(t *testing.T) {
	cfg, canonToSan, sanToCanon, err := encodeTools(nil)
	require.NoError(t, err)
	require.Nil(t, cfg)
	require.Nil(t, canonToSan)
	require.Nil(t, sanToCanon)
}

func TestEncodeToolsCollision(t *testing.T) {
	_, _, _, err := encodeTools([]*model.ToolDefinition{
		{Name: "crm.lookup", InputSchema: map[string]any{"type": "object"}},
		{Name: "crm_lookup", InputSchema: map[string]any{"type": "object"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "collides")
}

func TestSanitizeToolName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain name passthrough",
			in:   "lookup",
			want: "lookup",
		},
		{
			name: "dots become underscores",
			in:   "crm.lookup_customer",
			want: "crm_lookup_customer",
		},
		{
			name: "invalid runes replaced",
			in:   "weather lookup/v2",
			want: "weather_lookup_v2",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeToolName(tt.in)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeToolNameTruncatesLongNames(t *testing.T) {
	long := strings.Repeat("a", 80) + ".lookup"
	got := SanitizeToolName(long)
	require.Len(t, got, 64)
	require.True(t, strings.HasPrefix(got, strings.Repeat("a", 55)))

	// Distinct long inputs must stay distinct after truncation.
	other := strings.Repeat("a", 80) + ".search"
	require.NotEqual(t, got, SanitizeToolName(other))
}

func TestResolveToolName(t *testing.T) {
	nameMap := map[string]string{"crm_lookup": "crm.lookup"}
	require.Equal(t, "crm.lookup", resolveToolName("crm_lookup", nameMap))
	require.Equal(t, "crm.lookup", resolveToolName("$FUNCTIONS.crm_lookup", nameMap))
	require.Equal(t, "unknown_tool", resolveToolName("unknown_tool", nameMap))
}
