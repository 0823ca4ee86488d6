package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/blobcask/blobcask/pkg/blobfs"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Store a file as a blob, printing its digest",
	Long: `Put hashes the file, then streams it into the store under that digest.
Pass - to read from standard input (the content is buffered to hash it
first).
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		content, err := readSource(args[0])
		if err != nil {
			log.Fatalln(err)
		}

		e, dev, err := mountStore(ctx)
		if err != nil {
			log.Fatalln(err)
		}
		defer dev.Close()
		defer e.Close(ctx)

		d := blobfs.DigestOf(content)
		w, err := e.CreateBlob(ctx, d)
		if err != nil {
			log.Fatalln(err)
		}
		if _, err := w.Write(ctx, content); err != nil {
			log.Fatalln(err)
		}
		if err := w.Finalize(ctx); err != nil {
			log.Fatalln(err)
		}
		fmt.Println(d)
	},
}

func readSource(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func init() {
	rootCmd.AddCommand(putCmd)
}
