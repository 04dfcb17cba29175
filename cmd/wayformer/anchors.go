package main

import (
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Noofbiz/wayformer/anchors"
	"github.com/Noofbiz/wayformer/datasets"
	"github.com/Noofbiz/wayformer/logging"
	"github.com/Noofbiz/wayformer/scenario"
)

func newAnchorsCmd(load configLoader) *cobra.Command {
	var (
		iters      int
		maxSamples int
	)
	cmd := &cobra.Command{
		Use:   "anchors [KEY.SUB=value...]",
		Short: "Cluster future trajectories of the scenario index into MODEL.ANCHOR_FILE",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args)
			if err != nil {
				return err
			}
			log := logging.New("anchors")
			gen, err := scenario.NewGenerator(cfg, scenario.CBORParser{}, scenario.WithLogger(log.WithName("generator")))
			if err != nil {
				return err
			}

			dims := datasets.DimsFromConfig(cfg)
			total := gen.IndexLen()
			if maxSamples > 0 {
				total = min(total, maxSamples)
			}
			bar := progressbar.Default(int64(total), "featurizing")
			var trajs [][]float64
			for i, sample := range gen.Scenarios() {
				if i >= total || cmd.Context().Err() != nil {
					break
				}
				_ = bar.Set(i + 1)
				ex, err := datasets.Featurize(sample, dims)
				if err != nil || slices.Contains(ex.TargetMask, false) {
					continue
				}
				tr := make([]float64, len(ex.Target))
				for j, v := range ex.Target {
					tr[j] = float64(v)
				}
				trajs = append(trajs, tr)
			}
			_ = bar.Finish()
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if len(trajs) < cfg.Model.OutputModes {
				return errors.Errorf("only %d complete futures for %d modes", len(trajs), cfg.Model.OutputModes)
			}

			rng := rand.New(rand.NewPCG(uint64(cfg.RNGSeed), 0))
			set, err := anchors.KMeans(trajs, cfg.Model.OutputModes, cfg.Track.FutureSize, iters, rng)
			if err != nil {
				return err
			}
			if err := anchors.Save(cfg.Model.AnchorFile, set); err != nil {
				return err
			}
			log.Info("anchors written", "file", cfg.Model.AnchorFile, "samples", len(trajs), "modes", set.Modes)
			return nil
		},
	}
	cmd.Flags().IntVar(&iters, "iters", 100, "k-means iterations")
	cmd.Flags().IntVar(&maxSamples, "max-samples", 0, "stop after this many index rows (0 means all)")
	return cmd
}
