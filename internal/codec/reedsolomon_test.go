package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/internal/dmerrors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	data := make([]byte, 1<<20)
	_, err = rand.Read(data)
	require.NoError(t, err)

	shards, err := c.Encode(data)
	require.NoError(t, err)
	require.Len(t, shards, 6)
	for i := 1; i < len(shards); i++ {
		require.Equal(t, len(shards[0]), len(shards[i]))
	}

	out, err := c.Decode(shards, len(data))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out))
}

func TestDecodeToleratesLosingParityCount(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	data := make([]byte, 4096)
	_, err = rand.Read(data)
	require.NoError(t, err)

	shards, err := c.Encode(data)
	require.NoError(t, err)

	// Drop exactly P=2 shards: still recoverable.
	lossy := make([][]byte, len(shards))
	copy(lossy, shards)
	lossy[0] = nil
	lossy[5] = nil

	out, err := c.Decode(lossy, len(data))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out))
}

func TestDecodeFailsLosingMoreThanParity(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	data := make([]byte, 4096)
	_, err = rand.Read(data)
	require.NoError(t, err)

	shards, err := c.Encode(data)
	require.NoError(t, err)

	lossy := make([][]byte, len(shards))
	copy(lossy, shards)
	lossy[0] = nil
	lossy[1] = nil
	lossy[5] = nil // 3 missing, only 3 remain present: below D=4

	_, err = c.Decode(lossy, len(data))
	require.ErrorIs(t, err, dmerrors.ErrInsufficientShards)
}

func TestEmptyBufferShards(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	shards, err := c.Encode([]byte{})
	require.NoError(t, err)
	require.Len(t, shards, 6)

	out, err := c.Decode(shards, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestConstructorValidatesParameters(t *testing.T) {
	_, err := New(0, 1)
	require.Error(t, err)

	_, err = New(4, 5) // parity > data
	require.Error(t, err)
}
