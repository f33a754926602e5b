package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/controlroom/internal/module"
	"github.com/specialistvlad/controlroom/internal/wire"
)

func conn(name string) *module.Connection {
	return module.New(module.Config{Identity: module.Identity{Name: name, IP: "127.0.0.1", Port: 9000}})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	a, b := conn("dp-a"), conn("dp-b")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	got, err := r.Lookup("dp-b")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = r.Lookup("dp-B")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"dp-a", "dp-b"}, r.Names())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []*module.Connection{a, b}, r.Connections())
}

func TestRegistry_RejectsDuplicatesAndReservedNames(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(conn("dp-a")))
	assert.ErrorIs(t, r.Register(conn("dp-a")), ErrDuplicate)
	assert.ErrorIs(t, r.Register(conn("dp|a")), wire.ErrReservedCharacter)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Freeze(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(conn("dp-a")))

	r.Freeze()
	assert.True(t, r.Frozen())
	assert.ErrorIs(t, r.Register(conn("dp-b")), ErrFrozen)

	_, err := r.Lookup("dp-a")
	assert.NoError(t, err, "lookups keep working while frozen")

	r.Thaw()
	assert.NoError(t, r.Register(conn("dp-b")))
}
