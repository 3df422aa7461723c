package stats

import (
	"fmt"
	"os"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/goindy"
	"github.com/xiaoxuxiansheng/goindy/cmd/util"
)

var (
	withMetrics bool

	// StatsCmd 打印引擎概要，可选输出进程内指标
	StatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print volume and catalog statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
)

func init() {
	StatsCmd.Flags().BoolVar(&withMetrics, "metrics", false, util.WrapString("also print the metrics collected while opening the engine, in prometheus text format"))
}

func runStats(_ *cobra.Command, _ []string) error {
	return util.WithEngine(func(e *goindy.Engine) error {
		s := e.Stats()
		fmt.Printf("catalog:       %s\n", s.Catalog)
		fmt.Printf("files:         %d\n", s.Files)
		fmt.Printf("generations:   %d\n", s.Generations)
		fmt.Printf("free blocks:   %d\n", s.FreeBlocks)
		fmt.Printf("cached pages:  %d\n", s.CachedPages)
		fmt.Printf("cached blocks: %d\n", s.CachedBlocks)
		fmt.Printf("last seq:      %d\n", s.LastSeq)
		fmt.Printf("pending jobs:  %d realtime, %d medium, %d low\n", s.PendingRealTime, s.PendingMedium, s.PendingLow)

		if withMetrics {
			fmt.Println()
			metrics.WritePrometheus(os.Stdout, false)
		}
		return nil
	})
}
