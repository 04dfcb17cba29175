package main

import (
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/spf13/cobra"

	"github.com/Noofbiz/wayformer/datasets"
	"github.com/Noofbiz/wayformer/logging"
	"github.com/Noofbiz/wayformer/scenario"
	"github.com/Noofbiz/wayformer/wayformer"
)

func newSelftestCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest [KEY.SUB=value...]",
		Short: "Run one batch through a freshly initialised model and report output shapes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args)
			if err != nil {
				return err
			}
			log := logging.New("selftest")

			model, err := wayformer.Build(cfg)
			if err != nil {
				return err
			}
			gen, err := scenario.NewGenerator(cfg, scenario.CBORParser{}, scenario.WithLogger(log.WithName("generator")))
			if err != nil {
				return err
			}
			batch, err := datasets.NewLoader(cfg, gen, 0, 1, log.WithName("loader")).Batch(0)
			if err != nil {
				return err
			}
			backend, err := wayformer.NewBackend(cfg)
			if err != nil {
				return err
			}
			pred, err := wayformer.NewPredictor(backend, mlctx.New(), model)
			if err != nil {
				return err
			}
			out, err := pred.Predict(batch)
			if err != nil {
				return err
			}
			log.Info("forward pass ok",
				"backend", backend.Name(),
				"batch", batch.Size,
				"logits", []int{len(out.Logits), model.Modes()},
				"trajectories", []int{len(out.Trajectories), model.Modes(), model.Horizon(), 2})
			return nil
		},
	}
}
