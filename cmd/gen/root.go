package gen

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/goindy"
	"github.com/xiaoxuxiansheng/goindy/cmd/util"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

var (
	dumpUpdates bool
	mergeAll    bool

	// GenCommands 是 generation 相关命令的分组
	GenCommands = &cobra.Command{
		Use:   "gen",
		Short: "Dump and merge generations",
	}

	dumpCmd = &cobra.Command{
		Use:   "dump [fileID] [gen]",
		Short: "Print the keys of a generation, and optionally its updates",
		Args:  cobra.ExactArgs(2),
		RunE:  runDump,
	}

	mergeCmd = &cobra.Command{
		Use:   "merge [fileID] [gen...]",
		Short: "Merge generations of a file into a new one",
		Long: util.WrapString(`Merge the given generations into a new generation and retire the inputs.
The inputs must be adjacent in sequence order. With --all the whole chain of the file is merged.`),
		Args: cobra.MinimumNArgs(1),
		RunE: runMerge,
	}
)

func init() {
	dumpCmd.Flags().BoolVar(&dumpUpdates, "updates", false, util.WrapString("also replay the updates stored in the generation"))
	mergeCmd.Flags().BoolVar(&mergeAll, "all", false, util.WrapString("merge every generation of the file"))

	GenCommands.AddCommand(dumpCmd)
	GenCommands.AddCommand(mergeCmd)
}

func parseGens(args []string) ([]uint64, error) {
	gens := make([]uint64, 0, len(args))
	for _, arg := range args {
		gen, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid generation %q", arg)
		}
		gens = append(gens, gen)
	}
	return gens, nil
}

func runDump(cmd *cobra.Command, args []string) error {
	fileID, err := util.ParseFileID(args[0])
	if err != nil {
		return err
	}
	gens, err := parseGens(args[1:])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return util.WithEngine(func(e *goindy.Engine) error {
		f, err := goindy.OpenReadFile(ctx, e, fileID, gens[0], volume.Low)
		if err != nil {
			return err
		}
		defer f.Close()

		info := f.Info()
		fmt.Printf("file %s gen %d: %d keys, %d updates, seq [%d, %d], %d bytes, codec %s\n",
			info.FileID, info.GenID, info.NumKeys, info.NumUpdates, info.LowestSeq, info.HighestSeq, info.FileLength, info.Codec)

		// 1 按 index 顺序输出全部 key
		for _, id := range f.IndexIds() {
			ix, _ := f.Index(id)
			fmt.Printf("index %s (%d keys)\n", id, ix.NumKeys())
			c := ix.NewKeyCursor(ctx)
			for ; c.Valid(); c.Next() {
				item := c.Item()
				fmt.Printf("  %s = %s @%d\n", item.Key, item.Value, item.SequenceNumber)
			}
			if err := c.Err(); err != nil {
				return err
			}
		}
		if !dumpUpdates {
			return nil
		}

		// 2 按序列号回放 update
		w, err := goindy.NewUpdateWalkFile(ctx, e, fileID, gens, 0, volume.Low)
		if err != nil {
			return err
		}
		defer w.Close()
		for ; w.Valid(); w.Next() {
			item := w.Item()
			fmt.Printf("update @%d id=%s metadata=%s\n", item.SequenceNumber, item.Id, item.Metadata)
			for _, entry := range item.Entries {
				fmt.Printf("  %s = %s\n", entry.Key, entry.Value)
			}
		}
		return w.Err()
	})
}

func runMerge(cmd *cobra.Command, args []string) error {
	fileID, err := util.ParseFileID(args[0])
	if err != nil {
		return err
	}
	gens, err := parseGens(args[1:])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return util.WithEngine(func(e *goindy.Engine) error {
		if mergeAll {
			gens = gens[:0]
			for _, entry := range e.Generations(fileID) {
				gens = append(gens, entry.GenID)
			}
		}
		info, err := e.Merge(ctx, fileID, gens, volume.Medium)
		if err != nil {
			return err
		}
		fmt.Printf("merged %v into gen %d: %d keys, %d updates, %d blocks\n",
			gens, info.GenID, info.NumKeys, info.NumUpdates, info.NumBlocks)
		return nil
	})
}
