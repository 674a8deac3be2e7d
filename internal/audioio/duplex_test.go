package audioio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexToASCII(t *testing.T) {
	s, err := hexToASCII("68773a302c30")
	require.NoError(t, err)
	assert.Equal(t, "hw:0,0", s)

	_, err = hexToASCII("zz")
	assert.Error(t, err)
}

func TestBytesToFloat32(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-0.25))

	out := bytesToFloat32(raw, 2)
	require.Len(t, out, 2)
	assert.Equal(t, float32(0.5), out[0])
	assert.Equal(t, float32(-0.25), out[1])
}

func TestBytesToFloat32TruncatesShortBuffer(t *testing.T) {
	raw := make([]byte, 6) // one and a half samples
	assert.Len(t, bytesToFloat32(raw, 2), 1)
	assert.Nil(t, bytesToFloat32(nil, 4))
}
