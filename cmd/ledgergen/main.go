package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.firedancer.io/ledgergen/cmd/ledgergen/generate"
	"go.firedancer.io/ledgergen/cmd/ledgergen/inspect"
	"k8s.io/klog/v2"
)

var cmd = cobra.Command{
	Use:   "ledgergen",
	Short: "Generate program lifecycle ledger fixtures",
}

func init() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cmd.AddCommand(
		&generate.Cmd,
		&inspect.Cmd,
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	cobra.CheckErr(cmd.ExecuteContext(ctx))
}
