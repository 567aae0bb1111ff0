package interfaces

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfaceID(t *testing.T) {
	id := InterfaceID("com.example.Sensors", 1)
	assert.Equal(t, id, InterfaceID("com.example.Sensors", 1), "must be deterministic")
	assert.NotEqual(t, id, InterfaceID("com.example.Sensors", 2), "major is part of the identity")
	assert.NotEqual(t, id, InterfaceID("com.example.Other", 1))
	assert.Equal(t, uuid.Version(5), id.Version())
}

func TestEndpointID(t *testing.T) {
	id := EndpointID("com.example.Sensors", 1, "/%{sensor}/value")
	assert.Equal(t, id, EndpointID("com.example.Sensors", 1, "/%{sensor}/value"))
	assert.NotEqual(t, id, EndpointID("com.example.Sensors", 1, "/%{sensor}/name"))
	assert.NotEqual(t, id, EndpointID("com.example.Sensors", 1, ""))
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "com_example_sensors_v1", TableName("com.example.Sensors", 1))
	assert.Equal(t, "a_b_c_v12", TableName("a-b.C", 12))
}

func TestEndpointToDBColumnName(t *testing.T) {
	assert.Equal(t, "v_value", EndpointToDBColumnName("value"))
	assert.Equal(t, "v_the_answer", EndpointToDBColumnName("theAnswer"))
	assert.Equal(t, "v_x_y", EndpointToDBColumnName("x-y"))
}

func TestSplitPathLevels(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitPathLevels("/a/b"))
	assert.Nil(t, SplitPathLevels("/"))
	assert.Nil(t, SplitPathLevels(""))
	assert.Equal(t, 3, PathDepth("/a/b/c"))
}

func singleMapping(endpoint string) Mapping {
	return Mapping{
		EndpointID:  EndpointID("org.test.Iface", 1, endpoint),
		InterfaceID: InterfaceID("org.test.Iface", 1),
		Endpoint:    endpoint,
		ValueType:   ValueTypeDouble,
	}
}

func TestAutomatonResolve(t *testing.T) {
	a := BuildAutomaton([]Mapping{
		singleMapping("/time/from"),
		singleMapping("/time/to"),
		singleMapping("/%{sensor}/value"),
		singleMapping("/%{sensor}/name"),
	})

	t.Run("literal endpoint", func(t *testing.T) {
		res, err := a.Resolve("/time/from")
		require.NoError(t, err)
		assert.True(t, res.Exact)
		assert.Equal(t, EndpointID("org.test.Iface", 1, "/time/from"), res.EndpointID)
	})

	t.Run("parametric endpoint", func(t *testing.T) {
		res, err := a.Resolve("/livingroom/value")
		require.NoError(t, err)
		assert.True(t, res.Exact)
		assert.Equal(t, EndpointID("org.test.Iface", 1, "/%{sensor}/value"), res.EndpointID)
	})

	t.Run("literal arc wins over placeholder", func(t *testing.T) {
		res, err := a.Resolve("/time/to")
		require.NoError(t, err)
		assert.Equal(t, EndpointID("org.test.Iface", 1, "/time/to"), res.EndpointID)
	})

	t.Run("unknown leaf", func(t *testing.T) {
		_, err := a.Resolve("/livingroom/value/extra")
		assert.ErrorIs(t, err, ErrEndpointNotFound)
	})

	t.Run("prefix guesses the endpoints below", func(t *testing.T) {
		res, err := a.Resolve("/livingroom")
		require.NoError(t, err)
		assert.False(t, res.Exact)
		assert.ElementsMatch(t, []uuid.UUID{
			EndpointID("org.test.Iface", 1, "/%{sensor}/value"),
			EndpointID("org.test.Iface", 1, "/%{sensor}/name"),
		}, res.Guessed)
	})

	t.Run("literal prefix guesses only its subtree", func(t *testing.T) {
		res, err := a.Resolve("/time")
		require.NoError(t, err)
		assert.False(t, res.Exact)
		assert.ElementsMatch(t, []uuid.UUID{
			EndpointID("org.test.Iface", 1, "/time/from"),
			EndpointID("org.test.Iface", 1, "/time/to"),
		}, res.Guessed)
	})
}

func TestMappingLevels(t *testing.T) {
	m := singleMapping("/%{sensor}/value")
	assert.Equal(t, 2, m.Depth())
	assert.Equal(t, "value", m.LastLevel())
}

func TestObjectColumns(t *testing.T) {
	d := &Descriptor{InterfaceID: InterfaceID("org.test.Iface", 1)}
	mappings := map[uuid.UUID]Mapping{}
	for _, m := range []Mapping{singleMapping("/%{id}/x"), singleMapping("/%{id}/y")} {
		mappings[m.EndpointID] = m
	}
	other := singleMapping("/other")
	other.InterfaceID = InterfaceID("org.test.Other", 1)
	mappings[other.EndpointID] = other

	columns := d.ObjectColumns(mappings)
	require.Len(t, columns, 2)
	assert.Contains(t, columns, "x")
	assert.Contains(t, columns, "y")
}
