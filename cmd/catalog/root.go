package catalog

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/goindy"
	"github.com/xiaoxuxiansheng/goindy/cmd/util"
)

var (
	// CatalogCommands 是 catalog 相关命令的分组
	CatalogCommands = &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the generation catalog",
	}

	lsCmd = &cobra.Command{
		Use:   "ls [fileID]",
		Short: "List generations, of all files or of one file",
		Long: util.WrapString(`List the generations the catalog holds.
Generations of a file are printed newest first, which is the order reads consult them in.`),
		Args: cobra.MaximumNArgs(1),
		RunE: runList,
	}
)

func init() {
	CatalogCommands.AddCommand(lsCmd)
}

func runList(_ *cobra.Command, args []string) error {
	var only *uuid.UUID
	if len(args) == 1 {
		id, err := util.ParseFileID(args[0])
		if err != nil {
			return err
		}
		only = &id
	}

	return util.WithEngine(func(e *goindy.Engine) error {
		fileIDs := e.FileIDs()
		if only != nil {
			fileIDs = []uuid.UUID{*only}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tGEN\tBLOCK\tLENGTH\tKEYS\tLOWEST SEQ\tHIGHEST SEQ")
		for _, fileID := range fileIDs {
			for _, entry := range e.Generations(fileID) {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					entry.FileID, entry.GenID, entry.StartingBlockId, entry.FileLength,
					entry.NumKeys, entry.LowestSeq, entry.HighestSeq)
			}
		}
		return w.Flush()
	})
}
