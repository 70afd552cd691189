package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripPlain(t *testing.T) {
	plaintext := []byte("hello, qtun")
	encoded, err := EncodeFrame(plaintext, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, encoded[0], "expected secure=0")

	decoded, err := DecodeFrame(bytes.NewReader(encoded), nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestFrameRoundTripEncrypted(t *testing.T) {
	c, err := NewAES128Cipher("hello-world")
	require.NoError(t, err)
	plaintext := []byte("encrypted ip packet payload")

	encoded, err := EncodeFrame(plaintext, c)
	require.NoError(t, err)
	require.EqualValues(t, 1, encoded[0], "expected secure=1")

	decoded, err := DecodeFrame(bytes.NewReader(encoded), c)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestFrameKeyMismatchFails(t *testing.T) {
	c1, err := NewAES128Cipher("key-a")
	require.NoError(t, err)
	c2, err := NewAES128Cipher("key-b")
	require.NoError(t, err)

	encoded, err := EncodeFrame([]byte("secret payload"), c1)
	require.NoError(t, err)

	_, err = DecodeFrame(bytes.NewReader(encoded), c2)
	require.ErrorIs(t, err, ErrCipherMismatch)
}

func TestFrameTooLargeRejected(t *testing.T) {
	old := MaxFrame
	MaxFrame = 16
	defer func() { MaxFrame = old }()

	header := []byte{0, 0, 0}
	header[1] = 0xff
	header[2] = 0xff // length = 65535, well above the shrunk MaxFrame

	_, err := DecodeFrame(bytes.NewReader(header), nil)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameLengthIsPlusSixteenWhenSealed(t *testing.T) {
	c, err := NewAES128Cipher("hello-world")
	require.NoError(t, err)
	plaintext := make([]byte, 100)
	encoded, err := EncodeFrame(plaintext, c)
	require.NoError(t, err)
	length := int(encoded[1]) | int(encoded[2])<<8
	require.Equal(t, len(plaintext)+16, length)
}
