package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, 80, cfg.Track.FutureSize)
	require.Equal(t, 64, cfg.Model.OutputModes)
	require.Equal(t, 500, cfg.Data.MaxRows)
	require.Equal(t, 10000, cfg.Data.NominalLength)
	require.Equal(t, 1, cfg.WorldSize())
}

func TestLoadFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := `
TRACK:
  FUTURE_SIZE: 12
MODEL:
  OUTPUT_MODES: 6
  D_MODEL: 32
  NUM_HEADS: 4
SOLVER:
  LR_POLICY: steps_with_relative_lrs
  STEPS: [0, 5, 10]
  LRS: [1, 0.1, 0.01]
NUM_GPUS: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path, []string{"SOLVER.MAX_EPOCH=7", "MODEL.ENCODER=vectornet", "TRAIN.BALANCE=true"})
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Track.FutureSize)
	require.Equal(t, 6, cfg.Model.OutputModes)
	require.Equal(t, 32, cfg.Model.DModel)
	require.Equal(t, 7, cfg.Solver.MaxEpoch)
	require.Equal(t, []float64{0, 5, 10}, cfg.Solver.Steps)
	require.Equal(t, EncoderVectorNet, cfg.Model.Encoder)
	require.True(t, cfg.Train.Balance)
	require.Equal(t, 2, cfg.NumGPUs)
	// Untouched keys keep their defaults.
	require.Equal(t, 10, cfg.Track.HistorySize)
	require.Equal(t, 0.999, cfg.Solver.Beta2)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for _, overrides := range [][]string{
		{"MODEL.ENCODER=transformer"},
		{"MODEL.D_MODEL=30", "MODEL.NUM_HEADS=4"},
		{"TRACK.FUTURE_SIZE=0"},
		{"SOLVER.LR_POLICY=exp"},
		{"NOT_A_KEY=1"},
		{"MODEL.OUTPUT_MODES"},
	} {
		_, err := Load("", overrides)
		require.Error(t, err, "overrides %v", overrides)
	}
}
