package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var statParams struct {
	regions bool
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Report store occupancy",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, dev, err := mountStore(ctx)
		if err != nil {
			log.Fatalln(err)
		}
		defer dev.Close()
		defer e.Close(ctx)

		st := e.Stat()
		bs := uint64(st.BlockSize)
		fmt.Printf("block size:   %s\n", units.HumanSize(float64(st.BlockSize)))
		fmt.Printf("device:       %d blocks (%s)\n", st.BlockCount, units.HumanSize(float64(st.BlockCount*bs)))
		fmt.Printf("data region:  %d blocks (%s)\n", st.DataBlocks, units.HumanSize(float64(st.DataBlocks*bs)))
		fmt.Printf("free:         %d blocks (%s)\n", st.FreeBlocks, units.HumanSize(float64(st.FreeBlocks*bs)))
		fmt.Printf("blobs:        %d of %d slots used\n", st.Blobs, st.InodeCount)
		fmt.Printf("cached:       %d\n", st.CachedBlobs)

		if statParams.regions {
			fmt.Println("allocated regions:")
			for _, ext := range e.GetAllocatedRegions() {
				fmt.Printf("  [%d, %d)\n", ext.Start, ext.Start+uint64(ext.Count))
			}
		}
	},
}

func init() {
	statCmd.Flags().BoolVar(&statParams.regions, "regions", false, "also print allocated extents")
	rootCmd.AddCommand(statCmd)
}
