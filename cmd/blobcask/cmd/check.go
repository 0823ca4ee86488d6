package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var checkParams struct {
	verify bool
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run an integrity pass over the store",
	Long: `Check cross-references every blob's extents against the allocation
bitmaps and reports orphaned nodes, leaked blocks and metadata
inconsistencies. It exits non-zero when anything is wrong.
`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, dev, err := mountStore(ctx)
		if err != nil {
			log.Fatalln(err)
		}
		defer dev.Close()
		defer e.Close(ctx)

		report, err := e.Check(ctx)
		if err != nil {
			log.Fatalln(err)
		}
		fmt.Printf("blobs: %d (%d container nodes)\n", report.Blobs, report.ContainerNodes)
		for _, p := range report.Problems {
			fmt.Println("problem:", p)
		}
		if len(report.OrphanNodes) > 0 {
			fmt.Println("orphaned nodes:", report.OrphanNodes)
		}
		if report.LeakedBlocks > 0 {
			fmt.Println("leaked blocks:", report.LeakedBlocks)
		}
		dirty := !report.Clean()
		if checkParams.verify {
			for _, d := range e.Digests() {
				if err := e.VerifyBlob(ctx, d); err != nil {
					fmt.Println("problem:", err)
					dirty = true
				}
			}
		}
		if dirty {
			osExit(1)
		}
		fmt.Println("store is clean")
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkParams.verify, "verify", false, "also re-read and re-hash every blob")
	rootCmd.AddCommand(checkCmd)
}
