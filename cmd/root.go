package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/goindy/cmd/catalog"
	"github.com/xiaoxuxiansheng/goindy/cmd/gen"
	"github.com/xiaoxuxiansheng/goindy/cmd/kv"
	"github.com/xiaoxuxiansheng/goindy/cmd/stats"
	"github.com/xiaoxuxiansheng/goindy/cmd/util"
)

const Version = "0.3.0"

var (
	// RootCmd 是不带子命令时的入口
	RootCmd = &cobra.Command{
		Use:   "indyctl",
		Short: "inspect and maintain a goindy volume",
		Long: fmt.Sprintf(`indyctl (v%s)

Offline tool for a goindy data directory: list the catalog,
dump and merge generations, commit and read keys, print stats.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of indyctl",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("indyctl v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupEngineFlags(RootCmd)

	RootCmd.AddCommand(catalog.CatalogCommands)
	RootCmd.AddCommand(gen.GenCommands)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(stats.StatsCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute 由 main.main 调用一次
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
