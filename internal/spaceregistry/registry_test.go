package spaceregistry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matthias-trip/holms-sub001/internal/model"
	"github.com/matthias-trip/holms-sub001/internal/wire"
)

func sampleRegistry() *Registry {
	spaces := []*model.Space{{ID: "living-room", DisplayName: "Living Room"}}
	sources := []*model.Source{
		{ID: "src-1", SpaceID: "living-room", AdapterID: "hue-1", EntityID: "lamp-1"},
	}
	properties := map[string][]*model.SourceProperty{
		"src-1": {
			{Property: model.PropertyIllumination, Role: "primary", Features: map[string]struct{}{"dimmable": {}}},
		},
	}
	return Load(spaces, sources, properties)
}

func TestLoadStartsUnreachable(t *testing.T) {
	r := sampleRegistry()
	route, ok := r.GetSourceRoute("src-1")
	require.True(t, ok)
	require.Equal(t, "hue-1", route.AdapterID)
	require.Equal(t, "lamp-1", route.EntityID)

	sources := r.GetSourcesForProperty("living-room", model.PropertyIllumination)
	require.Len(t, sources, 1)
	require.False(t, sources[0].Reachable)
}

func TestSetAdapterReachabilityFlipsMatchingSources(t *testing.T) {
	r := sampleRegistry()
	r.SetAdapterReachability("hue-1", true)

	sources := r.GetSourcesForProperty("living-room", model.PropertyIllumination)
	require.True(t, sources[0].Reachable)

	r.SetAdapterReachability("hue-1", false)
	sources = r.GetSourcesForProperty("living-room", model.PropertyIllumination)
	require.False(t, sources[0].Reachable)
}

func TestApplyEntityRegistrationsUnionsFeatures(t *testing.T) {
	r := sampleRegistry()
	r.ApplyEntityRegistrations("hue-1", []wire.EntityRegistration{
		{
			EntityID: "lamp-1",
			Properties: []wire.EntityPropertyRegistration{
				{
					Property: "illumination",
					Features: []string{"color_temp"},
					CommandHints: map[string]wire.CommandFieldDescriptor{
						"brightness": {Type: "number", Min: floatPtr(0), Max: floatPtr(100)},
					},
				},
			},
		},
	})

	sources := r.GetSourcesForProperty("living-room", model.PropertyIllumination)
	require.Len(t, sources, 1)
	sp := sources[0].Properties[0]
	require.True(t, sp.HasFeature("dimmable"))
	require.True(t, sp.HasFeature("color_temp"))
	require.Contains(t, sp.CommandHints, "brightness")
}

func TestApplyEntityRegistrationsIgnoresUnregisteredProperty(t *testing.T) {
	r := sampleRegistry()
	r.ApplyEntityRegistrations("hue-1", []wire.EntityRegistration{
		{EntityID: "lamp-1", Properties: []wire.EntityPropertyRegistration{{Property: "climate", Features: []string{"x"}}}},
	})

	sources := r.GetSourcesForProperty("living-room", model.PropertyIllumination)
	sp := sources[0].Properties[0]
	require.True(t, sp.HasFeature("dimmable"))
	require.False(t, sp.HasFeature("x"))
}

func TestGetSourceRouteUnknownSource(t *testing.T) {
	r := sampleRegistry()
	_, ok := r.GetSourceRoute("nope")
	require.False(t, ok)
}

func TestFindSourceLocatesSpaceByAdapterAndEntity(t *testing.T) {
	r := sampleRegistry()
	src, spaceID, ok := r.FindSource("hue-1", "lamp-1")
	require.True(t, ok)
	require.Equal(t, "src-1", src.ID)
	require.Equal(t, "living-room", spaceID)

	_, _, ok = r.FindSource("hue-1", "nope")
	require.False(t, ok)
}

func TestResolveAdapterForEntity(t *testing.T) {
	r := sampleRegistry()
	adapterID, ok := r.ResolveAdapterForEntity("lamp-1")
	require.True(t, ok)
	require.Equal(t, "hue-1", adapterID)

	_, ok = r.ResolveAdapterForEntity("nope")
	require.False(t, ok)
}

func floatPtr(f float64) *float64 { return &f }
