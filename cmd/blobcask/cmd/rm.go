package cmd

import (
	"context"
	"log"

	"github.com/blobcask/blobcask/pkg/blobfs"
	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <digest>...",
	Short: "Unlink blobs, returning their space to the free pool",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, dev, err := mountStore(ctx)
		if err != nil {
			log.Fatalln(err)
		}
		defer dev.Close()
		defer e.Close(ctx)

		for _, arg := range args {
			d, err := blobfs.DigestFromString(arg)
			if err != nil {
				log.Fatalln(err)
			}
			if err := e.UnlinkBlob(ctx, d); err != nil {
				log.Fatalln(err)
			}
		}
		if err := e.Sync(ctx); err != nil {
			log.Fatalln(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
