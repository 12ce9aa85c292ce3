package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadBootstrapPortsPadsWithZero(t *testing.T) {
	out, err := padBootstrapPorts([]string{"10000"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10000, 0, 0}, out)
}

func TestPadBootstrapPortsExactLength(t *testing.T) {
	out, err := padBootstrapPorts([]string{"1", "2"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, out)
}

func TestPadBootstrapPortsRejectsInvalidValue(t *testing.T) {
	_, err := padBootstrapPorts([]string{"not-a-port"}, 1)
	require.Error(t, err)
}

func TestPadBootstrapPortsEmptyInput(t *testing.T) {
	out, err := padBootstrapPorts(nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 0}, out)
}
