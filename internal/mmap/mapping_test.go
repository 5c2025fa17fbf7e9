package mmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAnon(t *testing.T) {
	m, err := MapAnon(4096)
	require.NoError(t, err)

	data := m.Bytes()
	require.Len(t, data, 4096)

	// Mapping must be writable and readable
	data[0] = 0xAB
	data[4095] = 0xCD
	assert.Equal(t, byte(0xAB), data[0])
	assert.Equal(t, byte(0xCD), data[4095])

	require.NoError(t, m.Close())
	assert.Nil(t, m.Bytes())

	// Close is idempotent
	assert.NoError(t, m.Close())
}

func TestMapAnonInvalidSize(t *testing.T) {
	_, err := MapAnon(0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = MapAnon(-1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}
