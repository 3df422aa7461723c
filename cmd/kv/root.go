package kv

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/goindy"
	"github.com/xiaoxuxiansheng/goindy/cmd/util"
	"github.com/xiaoxuxiansheng/goindy/key"
	"github.com/xiaoxuxiansheng/goindy/memtable"
	"github.com/xiaoxuxiansheng/goindy/volume"
)

var (
	flushAfter bool

	// KeyValueCommands 是读写命令的分组. key 与 value 都按字符串处理
	KeyValueCommands = &cobra.Command{
		Use:   "kv",
		Short: "Commit and read string keys",
	}

	putCmd = &cobra.Command{
		Use:   "put [fileID] [indexID] [key] [value]",
		Short: "Commit a single key as one update",
		Args:  cobra.ExactArgs(4),
		RunE:  runPut,
	}

	getCmd = &cobra.Command{
		Use:   "get [fileID] [indexID] [key]",
		Short: "Read the newest value of a key",
		Args:  cobra.ExactArgs(3),
		RunE:  runGet,
	}
)

func init() {
	KeyValueCommands.PersistentFlags().BoolVar(&flushAfter, "flush", false, util.WrapString("flush the memory layer into a generation before exiting, otherwise the update stays in the wal"))

	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(fillCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseIDs(fileArg, indexArg string) (uuid.UUID, uuid.UUID, error) {
	fileID, err := util.ParseFileID(fileArg)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	indexID, err := uuid.Parse(indexArg)
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.Wrapf(err, "invalid index id %q", indexArg)
	}
	return fileID, indexID, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	fileID, indexID, err := parseIDs(args[0], args[1])
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	return util.WithEngine(func(e *goindy.Engine) error {
		ops := memtable.OpByKey{{Key: key.NewIndexKey(indexID, key.String(args[2])), Value: key.String(args[3])}}
		seq, err := e.Commit(ctx, fileID, ops, key.Tuple(), key.String("indyctl"), nil)
		if err != nil {
			return err
		}
		fmt.Printf("committed at seq %d\n", seq)
		if flushAfter {
			return e.Flush(ctx, fileID)
		}
		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	fileID, indexID, err := parseIDs(args[0], args[1])
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	return util.WithEngine(func(e *goindy.Engine) error {
		v, ok, err := e.Get(ctx, fileID, key.NewIndexKey(indexID, key.String(args[2])), volume.RealTime)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(v)
		return nil
	})
}
