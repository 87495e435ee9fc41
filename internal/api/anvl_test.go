package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeANVLParsesMultipleLines(t *testing.T) {
	body := "_target: https://example.org/thing\n_profile: dc\n"
	elements, err := decodeANVL(body)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"_target":  "https://example.org/thing",
		"_profile": "dc",
	}, elements)
}

func TestDecodeANVLSkipsBlankLines(t *testing.T) {
	elements, err := decodeANVL("\n_target: x\n\n")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"_target": "x"}, elements)
}

func TestDecodeANVLRejectsLineWithoutColon(t *testing.T) {
	_, err := decodeANVL("not-a-pair")
	require.Error(t, err)
}

func TestEncodeDecodeANVLRoundTrips(t *testing.T) {
	original := map[string]string{
		"_target": "https://example.org/a%b",
		"note":    "line one\nline two",
	}
	encoded := encodeANVL(original)
	decoded, err := decodeANVL(encoded)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}
