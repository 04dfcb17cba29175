package distributed

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Noofbiz/wayformer/config"
)

// Environment variables a launched worker reads its identity from.
const (
	EnvRank       = "RANK"
	EnvLocalRank  = "LOCAL_RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvMasterAddr = "MASTER_ADDR"
	EnvDevices    = "CUDA_VISIBLE_DEVICES"
)

// Worker identifies one process of a launched group.
type Worker struct {
	Rank, LocalRank, WorldSize int
	// MasterAddr is the DIST.INIT_METHOD rendezvous address.
	MasterAddr string
}

// Env renders w as KEY=VALUE pairs for a child process.
func (w Worker) Env() []string {
	return []string{
		EnvRank + "=" + strconv.Itoa(w.Rank),
		EnvLocalRank + "=" + strconv.Itoa(w.LocalRank),
		EnvWorldSize + "=" + strconv.Itoa(w.WorldSize),
		EnvMasterAddr + "=" + w.MasterAddr,
		EnvDevices + "=" + strconv.Itoa(w.LocalRank),
	}
}

// WorkerFromEnv reads the identity set by Launch. ok is false when the process was
// not started by Launch.
func WorkerFromEnv() (w Worker, ok bool, err error) {
	rank, set := os.LookupEnv(EnvRank)
	if !set {
		return Worker{}, false, nil
	}
	fields := []struct {
		name string
		raw  string
		dst  *int
	}{
		{EnvRank, rank, &w.Rank},
		{EnvLocalRank, os.Getenv(EnvLocalRank), &w.LocalRank},
		{EnvWorldSize, os.Getenv(EnvWorldSize), &w.WorldSize},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.Atoi(f.raw); err != nil {
			return Worker{}, true, errors.Wrapf(err, "parsing %s", f.name)
		}
	}
	w.MasterAddr = os.Getenv(EnvMasterAddr)
	if w.Rank < 0 || w.Rank >= w.WorldSize {
		return Worker{}, true, errors.Errorf("%s=%d out of range for %s=%d", EnvRank, w.Rank, EnvWorldSize, w.WorldSize)
	}
	return w, true, nil
}

// Workers lists the workers this shard (SHARD_ID) starts: NUM_GPUS of them, global
// rank SHARD_ID*NUM_GPUS + local rank, in a world of NUM_SHARDS*NUM_GPUS.
func Workers(cfg *config.Config) []Worker {
	ws := make([]Worker, cfg.NumGPUs)
	for local := range ws {
		ws[local] = Worker{
			Rank:       cfg.ShardID*cfg.NumGPUs + local,
			LocalRank:  local,
			WorldSize:  cfg.WorldSize(),
			MasterAddr: cfg.Dist.InitMethod,
		}
	}
	return ws
}

// Launch re-executes the current binary with args once per local worker and waits
// for all of them. When one exits with an error the others are killed.
func Launch(ctx context.Context, cfg *config.Config, args []string, log logr.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locating executable")
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, w := range Workers(cfg) {
		cmd := exec.CommandContext(ctx, exe, args...)
		cmd.Env = append(os.Environ(), w.Env()...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		log.Info("starting worker", "rank", w.Rank, "localRank", w.LocalRank, "worldSize", w.WorldSize)
		eg.Go(func() error {
			if err := cmd.Run(); err != nil {
				return errors.Wrapf(err, "worker rank %d", w.Rank)
			}
			return nil
		})
	}
	return eg.Wait()
}
