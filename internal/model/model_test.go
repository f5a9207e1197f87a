package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskSpecRoundTrip(t *testing.T) {
	task := &Task{}
	spec := TaskSpec{
		Command: "run %OUT",
		Image:   "user.alice.image",
		Outputs: map[string]string{"OUT": "result.txt"},
		Device:  DeviceGPU,
	}
	require.NoError(t, task.SetSpec(spec))

	got, err := task.Spec()
	require.NoError(t, err)
	require.Equal(t, spec, got)
}

func TestTaskSpecEmptyJSON(t *testing.T) {
	task := &Task{}
	got, err := task.Spec()
	require.NoError(t, err)
	require.Equal(t, TaskSpec{}, got)
}
