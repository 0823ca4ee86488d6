package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the digests of every blob in the store",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, dev, err := mountStore(ctx)
		if err != nil {
			log.Fatalln(err)
		}
		defer dev.Close()
		defer e.Close(ctx)

		digests := e.Digests()
		names := make([]string, 0, len(digests))
		for _, d := range digests {
			names = append(names, d.String())
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Println(name)
		}
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
