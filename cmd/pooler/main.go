package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pg-distributed/xcpool/app"
	"github.com/pg-distributed/xcpool/pkg"
	"github.com/pg-distributed/xcpool/pkg/config"
	"github.com/pg-distributed/xcpool/pkg/poolmgr"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "xcpool run --config `path-to-config`",
	Short: "xcpool",
	Long:  "xcpool connection pool manager",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/xcpool/pooler.yaml", "path to config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the pooler version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("xcpool pool manager %s\n", pkg.XcpoolVersionRevision)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run pool manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadPoolerCfg(cfgPath); err != nil {
			return err
		}
		if err := xclog.UpdateZeroLogLevel(config.PoolerConfig().LogLevel); err != nil {
			return err
		}

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			xclog.Zero.Info().Str("signal", sig.String()).Msg("shutting down pooler")
			cancelCtx()
		}()

		nodes := make([]poolmgr.NodeAddr, 0, len(config.PoolerConfig().Nodes))
		for _, node := range config.PoolerConfig().Nodes {
			nodes = append(nodes, poolmgr.NodeAddr{Name: node.Name, Addr: node.Addr})
		}

		provider := poolmgr.NewDialProvider(nodes)
		return app.NewApp(provider).Run(ctx)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		xclog.Zero.Fatal().Err(err).Msg("pooler failed")
	}
}
