package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jodafons/maestro/internal/backend"
	"github.com/jodafons/maestro/internal/config"
)

func TestChooseBackendDefaultsToSlurm(t *testing.T) {
	cfg := &config.Config{}
	got := chooseBackend(cfg)
	_, ok := got.(*backend.SlurmBackend)
	require.True(t, ok)
}

func TestChooseBackendFakeIsIndependentOfTestingMode(t *testing.T) {
	cfg := &config.Config{BackendKind: config.BackendKindFake, TestingMode: false}
	got := chooseBackend(cfg)
	_, ok := got.(*backend.FakeBackend)
	require.True(t, ok)

	cfg2 := &config.Config{BackendKind: config.BackendKindSlurm, TestingMode: true}
	got2 := chooseBackend(cfg2)
	_, ok2 := got2.(*backend.SlurmBackend)
	require.True(t, ok2)
}
