// Package uuid includes tests for the run ID generator.
package uuid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsV7(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	id, err := gen.NewID()
	require.NoError(t, err)

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())

	other, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}

func TestBytesRoundTrip(t *testing.T) {
	t.Parallel()

	id, err := NewUUIDGenerator().NewID()
	require.NoError(t, err)
	raw := Bytes(id)
	require.NotEqual(t, [16]byte{}, raw)
	require.Equal(t, id, uuid.UUID(raw).String())

	require.Equal(t, [16]byte{}, Bytes("not-a-uuid"))
}
