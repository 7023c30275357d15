package registry

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/flow/registry/store"
	"goa.design/flow/registry/store/memory"
)

func genEntityID() gopter.Gen {
	return gen.OneConstOf("support", "booking", "survey", "follow-up", "escalation")
}

func genVersion() gopter.Gen {
	return gen.OneConstOf("0.9.1", "1.0.0", "1.2.3", "2.0.0", "10.0.2")
}

func genSpecPayload() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("Support", "Booking", "Survey", "Router"),
		gen.IntRange(0, 50),
		gen.Bool(),
	).Map(func(vals []any) map[string]any {
		return map[string]any{
			"name":    vals[0].(string),
			"retries": vals[1].(int),
			"active":  vals[2].(bool),
		}
	})
}

func jsonEqual(a, b []byte) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func TestSaveGetRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	properties.Property("save then get returns the saved spec", prop.ForAll(
		func(id string, payload map[string]any) bool {
			reg := New(memory.New())
			version, err := reg.Save(ctx, store.Workflows, id, payload)
			if err != nil {
				return false
			}
			rec, err := reg.Get(ctx, store.Workflows, id, version)
			if err != nil {
				return false
			}
			expected, err := json.Marshal(payload)
			if err != nil {
				return false
			}
			return jsonEqual(expected, rec.Spec)
		},
		genEntityID(),
		genSpecPayload(),
	))

	properties.TestingRun(t)
}

func TestAutoVersionMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	properties.Property("auto-assigned versions increase strictly", prop.ForAll(
		func(saves int) bool {
			reg := New(memory.New())
			var prev *semver.Version
			for i := 0; i < saves; i++ {
				assigned, err := reg.Save(ctx, store.Tools, "weather", map[string]any{"rev": i})
				if err != nil {
					return false
				}
				v, err := semver.NewVersion(assigned)
				if err != nil {
					return false
				}
				if prev != nil && !v.GreaterThan(prev) {
					return false
				}
				prev = v
			}
			return true
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func TestPublishedVersionImmutableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	properties.Property("published versions survive overwrite attempts", prop.ForAll(
		func(id, version string, original, replacement map[string]any) bool {
			reg := New(memory.New())
			if _, err := reg.Save(ctx, store.Workflows, id, original, WithVersion(version)); err != nil {
				return false
			}
			if err := reg.Publish(ctx, store.Workflows, id, version); err != nil {
				return false
			}
			if _, err := reg.Save(ctx, store.Workflows, id, replacement, WithVersion(version)); !IsKind(err, KindImmutableVersion) {
				return false
			}
			rec, err := reg.Get(ctx, store.Workflows, id, version)
			if err != nil || !rec.IsPublished {
				return false
			}
			expected, err := json.Marshal(original)
			if err != nil {
				return false
			}
			return jsonEqual(expected, rec.Spec)
		},
		genEntityID(),
		genVersion(),
		genSpecPayload(),
		genSpecPayload(),
	))

	properties.TestingRun(t)
}
