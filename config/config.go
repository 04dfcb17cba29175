// Package config holds the nested configuration shared by every component of the
// pipeline. Keys are grouped the same way on disk (YAML) and on the command line
// (KEY.SUB=value overrides), e.g. TRACK.FUTURE_SIZE or SOLVER.MAX_EPOCH.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TrackConfig describes the time axes of a sample.
type TrackConfig struct {
	// HistorySize is the number of observed steps fed to the agent/nearby encoders.
	HistorySize int `mapstructure:"HISTORY_SIZE" yaml:"HISTORY_SIZE"`
	// FutureSize is the prediction horizon T.
	FutureSize int `mapstructure:"FUTURE_SIZE" yaml:"FUTURE_SIZE"`
}

// ModelConfig selects and sizes the model.
type ModelConfig struct {
	Name        string `mapstructure:"NAME" yaml:"NAME"`
	OutputModes int    `mapstructure:"OUTPUT_MODES" yaml:"OUTPUT_MODES"`
	Encoder     string `mapstructure:"ENCODER" yaml:"ENCODER"`
	DModel      int    `mapstructure:"D_MODEL" yaml:"D_MODEL"`
	NumHeads    int    `mapstructure:"NUM_HEADS" yaml:"NUM_HEADS"`
	EncLayers   int    `mapstructure:"ENC_LAYERS" yaml:"ENC_LAYERS"`
	DecLayers   int    `mapstructure:"DEC_LAYERS" yaml:"DEC_LAYERS"`
	AnchorFile  string `mapstructure:"ANCHOR_FILE" yaml:"ANCHOR_FILE"`
}

// DataConfig points at the scenario index and sizes the input channels.
type DataConfig struct {
	MetaFile      string  `mapstructure:"META_FILE" yaml:"META_FILE"`
	MaxRows       int     `mapstructure:"MAX_ROWS" yaml:"MAX_ROWS"`
	NominalLength int     `mapstructure:"NOMINAL_LENGTH" yaml:"NOMINAL_LENGTH"`
	NearbySize    int     `mapstructure:"NEARBY_SIZE" yaml:"NEARBY_SIZE"`
	NearbyRadius  float64 `mapstructure:"NEARBY_RADIUS" yaml:"NEARBY_RADIUS"`
	MapSize       int     `mapstructure:"MAP_SIZE" yaml:"MAP_SIZE"`
	MapPoints     int     `mapstructure:"MAP_POINTS" yaml:"MAP_POINTS"`
}

// TrainConfig holds the per-run training switches.
type TrainConfig struct {
	BatchSize int `mapstructure:"BATCH_SIZE" yaml:"BATCH_SIZE"`
	// Sampler is "index" (every indexed row once per epoch, shuffled) or
	// "generator" (DATA.NOMINAL_LENGTH random draws per epoch).
	Sampler          string `mapstructure:"SAMPLER" yaml:"SAMPLER"`
	Balance          bool   `mapstructure:"BALANCE" yaml:"BALANCE"`
	CheckpointPeriod int    `mapstructure:"CHECKPOINT_PERIOD" yaml:"CHECKPOINT_PERIOD"`
	AutoResume       bool   `mapstructure:"AUTO_RESUME" yaml:"AUTO_RESUME"`
}

// SolverConfig configures the optimizer and the learning-rate schedule.
type SolverConfig struct {
	BaseLR           float64   `mapstructure:"BASE_LR" yaml:"BASE_LR"`
	LRPolicy         string    `mapstructure:"LR_POLICY" yaml:"LR_POLICY"`
	MaxEpoch         int       `mapstructure:"MAX_EPOCH" yaml:"MAX_EPOCH"`
	WarmupEpochs     float64   `mapstructure:"WARMUP_EPOCHS" yaml:"WARMUP_EPOCHS"`
	WarmupStartLR    float64   `mapstructure:"WARMUP_START_LR" yaml:"WARMUP_START_LR"`
	CosineEndLR      float64   `mapstructure:"COSINE_END_LR" yaml:"COSINE_END_LR"`
	Steps            []float64 `mapstructure:"STEPS" yaml:"STEPS"`
	LRs              []float64 `mapstructure:"LRS" yaml:"LRS"`
	OptimizingMethod string    `mapstructure:"OPTIMIZING_METHOD" yaml:"OPTIMIZING_METHOD"`
	Momentum         float64   `mapstructure:"MOMENTUM" yaml:"MOMENTUM"`
	WeightDecay      float64   `mapstructure:"WEIGHT_DECAY" yaml:"WEIGHT_DECAY"`
	Beta1            float64   `mapstructure:"BETA1" yaml:"BETA1"`
	Beta2            float64   `mapstructure:"BETA2" yaml:"BETA2"`
	Epsilon          float64   `mapstructure:"EPSILON" yaml:"EPSILON"`
	ClipNorm         float64   `mapstructure:"CLIP_NORM" yaml:"CLIP_NORM"`
}

// LossConfig weights the two terms of the assignment loss.
type LossConfig struct {
	ClsWeight float64 `mapstructure:"CLS_WEIGHT" yaml:"CLS_WEIGHT"`
	RegWeight float64 `mapstructure:"REG_WEIGHT" yaml:"REG_WEIGHT"`
}

// DistConfig configures the worker rendezvous.
type DistConfig struct {
	// InitMethod is the rendezvous address, e.g. "tcp://localhost:9999".
	InitMethod string `mapstructure:"INIT_METHOD" yaml:"INIT_METHOD"`
}

// Config is the root of the configuration tree.
type Config struct {
	Track  TrackConfig  `mapstructure:"TRACK" yaml:"TRACK"`
	Model  ModelConfig  `mapstructure:"MODEL" yaml:"MODEL"`
	Data   DataConfig   `mapstructure:"DATA" yaml:"DATA"`
	Train  TrainConfig  `mapstructure:"TRAIN" yaml:"TRAIN"`
	Solver SolverConfig `mapstructure:"SOLVER" yaml:"SOLVER"`
	Loss   LossConfig   `mapstructure:"LOSS" yaml:"LOSS"`
	Dist   DistConfig   `mapstructure:"DIST" yaml:"DIST"`

	NumGPUs   int    `mapstructure:"NUM_GPUS" yaml:"NUM_GPUS"`
	NumShards int    `mapstructure:"NUM_SHARDS" yaml:"NUM_SHARDS"`
	ShardID   int    `mapstructure:"SHARD_ID" yaml:"SHARD_ID"`
	RNGSeed   int64  `mapstructure:"RNG_SEED" yaml:"RNG_SEED"`
	OutputDir string `mapstructure:"OUTPUT_DIR" yaml:"OUTPUT_DIR"`
	// Backend is passed to gomlx backends; empty means GOMLX_BACKEND or the default.
	Backend string `mapstructure:"BACKEND" yaml:"BACKEND"`
}

// Encoder names accepted in MODEL.ENCODER.
const (
	EncoderTemporal  = "temporal"
	EncoderVectorNet = "vectornet"
	EncoderMLP       = "mlp"
)

// Samplers accepted in TRAIN.SAMPLER.
const (
	SamplerIndex     = "index"
	SamplerGenerator = "generator"
)

// Learning-rate policies accepted in SOLVER.LR_POLICY.
const (
	PolicyCosine   = "cosine"
	PolicySteps    = "steps_with_relative_lrs"
	PolicyConstant = "constant"
)

// Default returns the configuration used when no file or override sets a key.
func Default() *Config {
	return &Config{
		Track: TrackConfig{HistorySize: 10, FutureSize: 80},
		Model: ModelConfig{
			Name:        "Wayformer",
			OutputModes: 64,
			Encoder:     EncoderTemporal,
			DModel:      256,
			NumHeads:    8,
			EncLayers:   2,
			DecLayers:   2,
			AnchorFile:  "./cache/anchors.cbor",
		},
		Data: DataConfig{
			MetaFile:      "./data/meta.csv",
			MaxRows:       500,
			NominalLength: 10000,
			NearbySize:    16,
			NearbyRadius:  50,
			MapSize:       32,
			MapPoints:     59,
		},
		Train: TrainConfig{BatchSize: 32, Sampler: SamplerIndex, CheckpointPeriod: 1},
		Solver: SolverConfig{
			BaseLR:           1e-3,
			LRPolicy:         PolicyCosine,
			MaxEpoch:         30,
			WarmupEpochs:     1,
			WarmupStartLR:    1e-5,
			CosineEndLR:      1e-6,
			OptimizingMethod: "adam",
			Momentum:         0.9,
			Beta1:            0.9,
			Beta2:            0.999,
			Epsilon:          1e-8,
			ClipNorm:         5,
		},
		Loss:      LossConfig{ClsWeight: 1, RegWeight: 1},
		Dist:      DistConfig{InitMethod: "tcp://localhost:9999"},
		NumGPUs:   1,
		NumShards: 1,
		RNGSeed:   1,
		OutputDir: "./output",
	}
}

// Load builds a Config from the defaults, then the YAML file at path (if not
// empty), then each KEY.SUB=value override in order.
func Load(path string, overrides []string) (*Config, error) {
	tree := map[string]any{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config %q", path)
		}
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, errors.Wrapf(err, "parsing config %q", path)
		}
	}
	for _, kv := range overrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errors.Errorf("override %q is not KEY=VALUE", kv)
		}
		setPath(tree, strings.Split(strings.TrimSpace(key), "."), strings.TrimSpace(value))
	}

	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return nil, errors.Wrap(err, "building config decoder")
	}
	if err := dec.Decode(tree); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setPath(tree map[string]any, keys []string, value string) {
	for _, k := range keys[:len(keys)-1] {
		next, ok := tree[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			tree[k] = next
		}
		tree = next
	}
	tree[keys[len(keys)-1]] = value
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	switch {
	case c.Track.FutureSize <= 0:
		return errors.Errorf("TRACK.FUTURE_SIZE must be > 0, got %d", c.Track.FutureSize)
	case c.Track.HistorySize <= 0:
		return errors.Errorf("TRACK.HISTORY_SIZE must be > 0, got %d", c.Track.HistorySize)
	case c.Model.OutputModes <= 0:
		return errors.Errorf("MODEL.OUTPUT_MODES must be > 0, got %d", c.Model.OutputModes)
	case c.Model.DModel <= 0 || c.Model.DModel%2 != 0:
		return errors.Errorf("MODEL.D_MODEL must be positive and even, got %d", c.Model.DModel)
	case c.Model.NumHeads <= 0 || c.Model.DModel%c.Model.NumHeads != 0:
		return errors.Errorf("MODEL.D_MODEL (%d) must be divisible by MODEL.NUM_HEADS (%d)",
			c.Model.DModel, c.Model.NumHeads)
	case !slices.Contains([]string{EncoderTemporal, EncoderVectorNet, EncoderMLP}, c.Model.Encoder):
		return errors.Errorf("unknown MODEL.ENCODER %q", c.Model.Encoder)
	case !slices.Contains([]string{SamplerIndex, SamplerGenerator}, c.Train.Sampler):
		return errors.Errorf("unknown TRAIN.SAMPLER %q", c.Train.Sampler)
	case !slices.Contains([]string{PolicyCosine, PolicySteps, PolicyConstant}, c.Solver.LRPolicy):
		return errors.Errorf("unknown SOLVER.LR_POLICY %q", c.Solver.LRPolicy)
	case c.Solver.LRPolicy == PolicySteps && len(c.Solver.Steps) != len(c.Solver.LRs):
		return errors.Errorf("SOLVER.STEPS (%d) and SOLVER.LRS (%d) must have the same length",
			len(c.Solver.Steps), len(c.Solver.LRs))
	case c.Solver.MaxEpoch <= 0:
		return errors.Errorf("SOLVER.MAX_EPOCH must be > 0, got %d", c.Solver.MaxEpoch)
	case c.NumGPUs < 1 || c.NumShards < 1:
		return errors.Errorf("NUM_GPUS and NUM_SHARDS must be >= 1, got %d and %d", c.NumGPUs, c.NumShards)
	case c.ShardID < 0 || c.ShardID >= c.NumShards:
		return errors.Errorf("SHARD_ID %d out of range [0, %d)", c.ShardID, c.NumShards)
	case c.Train.BatchSize <= 0:
		return errors.Errorf("TRAIN.BATCH_SIZE must be > 0, got %d", c.Train.BatchSize)
	}
	return nil
}

// WorldSize is the total number of workers across all shards.
func (c *Config) WorldSize() int { return c.NumGPUs * c.NumShards }

// String renders the effective configuration as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(out)
}
