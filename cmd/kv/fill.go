package kv

import (
	"fmt"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/goindy"
	"github.com/xiaoxuxiansheng/goindy/cmd/util"
	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
)

var (
	fillUpdates int
	fillBatch   int

	fillCmd = &cobra.Command{
		Use:   "fill [fileID] [indexID]",
		Short: "Commit generated words, useful for trying out flushes and merges",
		Args:  cobra.ExactArgs(2),
		RunE:  runFill,
	}
)

func init() {
	fillCmd.Flags().IntVar(&fillUpdates, "updates", 1000, util.WrapString("number of updates to commit"))
	fillCmd.Flags().IntVar(&fillBatch, "batch", 8, util.WrapString("keys per update"))
}

func runFill(cmd *cobra.Command, args []string) error {
	fileID, indexID, err := parseIDs(args[0], args[1])
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	return util.WithEngine(func(e *goindy.Engine) error {
		start := time.Now()
		var keys int
		for i := 0; i < fillUpdates; i++ {
			// 同一个 update 内 key 唯一
			seen := make(map[string]struct{}, fillBatch)
			ops := make(memtable.OpByKey, 0, fillBatch)
			for len(ops) < fillBatch {
				k := faker.Word() + "-" + faker.Word()
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				ops = append(ops, memtable.Op{Key: key.NewIndexKey(indexID, key.String(k)), Value: key.String(faker.Sentence())})
			}
			if _, err := e.Commit(ctx, fileID, ops, key.Tuple(), key.Int(int64(i)), nil); err != nil {
				return err
			}
			keys += len(ops)
		}
		if flushAfter {
			if err := e.Flush(ctx, fileID); err != nil {
				return err
			}
		}
		elapsed := time.Since(start)
		fmt.Printf("committed %d updates (%d keys) in %s, %.0f updates/s\n",
			fillUpdates, keys, elapsed, float64(fillUpdates)/elapsed.Seconds())
		return nil
	})
}
