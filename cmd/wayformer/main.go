// Command wayformer trains and inspects the Wayformer motion forecasting model.
//
//	wayformer anchors  -c run.yaml                       # build the anchor cache
//	wayformer selftest -c run.yaml                       # one forward pass
//	wayformer train    -c run.yaml SOLVER.MAX_EPOCH=10   # train (spawns NUM_GPUS workers)
//
// Trailing KEY.SUB=value arguments override the configuration file.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/wayformer/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := newCLI().ExecuteContext(ctx)
	klog.Flush()
	cobra.CheckErr(err)
}

func newCLI() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "wayformer",
		Short: "Wayformer motion forecasting",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML configuration file")

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	load := func(args []string) (*config.Config, error) {
		return config.Load(cfgPath, args)
	}

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		newTrainCmd(load),
		newSelftestCmd(load),
		newAnchorsCmd(load),
	)
	return rootCmd
}

type configLoader func(overrides []string) (*config.Config, error)
