package conv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt64ToInt(t *testing.T) {
	v, err := Int64ToInt(42)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = Int64ToInt(-7)
	require.NoError(t, err)
	assert.Equal(t, -7, v)
}

func TestInt64ToUint64(t *testing.T) {
	v, err := Int64ToUint64(1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), v)

	_, err = Int64ToUint64(-1)
	assert.Error(t, err)
}

func TestUint64ToInt64(t *testing.T) {
	v, err := Uint64ToInt64(math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)

	_, err = Uint64ToInt64(math.MaxInt64 + 1)
	assert.Error(t, err)
}

func TestIntToUint32(t *testing.T) {
	v, err := IntToUint32(math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), v)

	_, err = IntToUint32(-1)
	assert.Error(t, err)

	_, err = IntToUint32(math.MaxUint32 + 1)
	assert.Error(t, err)
}
