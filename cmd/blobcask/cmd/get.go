package cmd

import (
	"context"
	"log"
	"os"

	"github.com/blobcask/blobcask/pkg/blobfs"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <digest> [file]",
	Short: "Read a blob out of the store",
	Long: `Get writes the blob's content to the given file, or to standard output
when no file is named.
`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		d, err := blobfs.DigestFromString(args[0])
		if err != nil {
			log.Fatalln(err)
		}

		e, dev, err := mountStore(ctx)
		if err != nil {
			log.Fatalln(err)
		}
		defer dev.Close()
		defer e.Close(ctx)

		r, err := e.OpenBlob(ctx, d)
		if err != nil {
			log.Fatalln(err)
		}
		defer r.Close()
		content, err := r.ReadAll(ctx)
		if err != nil {
			log.Fatalln(err)
		}

		out := os.Stdout
		if len(args) == 2 {
			out, err = os.Create(args[1])
			if err != nil {
				log.Fatalln(err)
			}
			defer out.Close()
		}
		if _, err := out.Write(content); err != nil {
			log.Fatalln(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
