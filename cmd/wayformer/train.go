package main

import (
	"context"
	"math/rand/v2"
	"os"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Noofbiz/wayformer/config"
	"github.com/Noofbiz/wayformer/datasets"
	"github.com/Noofbiz/wayformer/distributed"
	"github.com/Noofbiz/wayformer/logging"
	"github.com/Noofbiz/wayformer/scenario"
	"github.com/Noofbiz/wayformer/solver"
	"github.com/Noofbiz/wayformer/trainer"
	"github.com/Noofbiz/wayformer/wayformer"
)

func newTrainCmd(load configLoader) *cobra.Command {
	var inProcess bool
	cmd := &cobra.Command{
		Use:   "train [KEY.SUB=value...]",
		Short: "Train the model",
		Long: "Train the model. With NUM_GPUS > 1 the command re-executes itself once per " +
			"device and the workers rendezvous at DIST.INIT_METHOD; --in-process runs the " +
			"workers as goroutines instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args)
			if err != nil {
				return err
			}
			log := logging.New("wayformer")
			ctx := cmd.Context()

			w, launched, err := distributed.WorkerFromEnv()
			if err != nil {
				return err
			}
			switch {
			case launched:
				return runWorker(ctx, cfg, w, log)
			case cfg.NumGPUs > 1 && inProcess:
				runID := newRunID()
				return distributed.RunLocal(ctx, cfg.NumGPUs, func(ctx context.Context, g distributed.Group) error {
					return train(ctx, cfg, g, log.WithValues("rank", g.Rank()), runID)
				})
			case cfg.NumGPUs > 1:
				// Workers inherit the environment, so they agree on the run directory.
				if err := os.Setenv(envRunID, newRunID()); err != nil {
					return err
				}
				log.Info("launching workers", "numGPUs", cfg.NumGPUs, "shard", cfg.ShardID, "worldSize", cfg.WorldSize())
				return distributed.Launch(ctx, cfg, os.Args[1:], log)
			}
			return train(ctx, cfg, distributed.Single{}, log, newRunID())
		},
	}
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run NUM_GPUS workers as goroutines of this process")
	return cmd
}

const envRunID = "WAYFORMER_RUN_ID"

func newRunID() string { return uuid.NewString()[:8] }

func runWorker(ctx context.Context, cfg *config.Config, w distributed.Worker, log logr.Logger) error {
	log = log.WithValues("rank", w.Rank)
	addr, err := distributed.ParseInitMethod(w.MasterAddr)
	if err != nil {
		return err
	}
	g, err := distributed.JoinTCP(ctx, addr, w.Rank, w.WorldSize, log)
	if err != nil {
		return err
	}
	defer g.Close()
	return train(ctx, cfg, g, log, os.Getenv(envRunID))
}

func train(ctx context.Context, cfg *config.Config, g distributed.Group, log logr.Logger, runID string) error {
	model, err := wayformer.Build(cfg)
	if err != nil {
		return err
	}
	gen, err := scenario.NewGenerator(cfg, scenario.CBORParser{},
		scenario.WithLogger(logging.ForRank(log.WithName("generator"), g.Rank())),
		scenario.WithRand(rand.New(rand.NewPCG(uint64(cfg.RNGSeed), uint64(g.Rank())))))
	if err != nil {
		return err
	}
	loader := datasets.NewLoader(cfg, gen, g.Rank(), g.Size(), log.WithName("loader"))
	opt, err := solver.New(cfg.Solver)
	if err != nil {
		return err
	}
	tr, err := trainer.New(cfg, model, loader, opt, g, log, trainer.WithRunID(runID))
	if err != nil {
		return err
	}
	if g.Rank() == 0 {
		log.V(1).Info("effective configuration\n" + cfg.String())
	}
	return tr.Train(ctx)
}
