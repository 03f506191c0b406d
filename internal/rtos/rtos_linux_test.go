//go:build linux

package rtos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUList_Empty(t *testing.T) {
	cpus, err := parseCPUList("")
	require.NoError(t, err)
	assert.Nil(t, cpus)
}

func TestParseCPUList_Scalars(t *testing.T) {
	cpus, err := parseCPUList("0,2,4")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, cpus)
}

func TestParseCPUList_Ranges(t *testing.T) {
	cpus, err := parseCPUList("0-2,5")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 5}, cpus)
}

func TestParseCPUList_Invalid(t *testing.T) {
	_, err := parseCPUList("a-b")
	assert.Error(t, err)
}

func TestRTLinuxBackend_ImplementsBackend(t *testing.T) {
	var _ Backend = NewRTLinuxBackend()
}
