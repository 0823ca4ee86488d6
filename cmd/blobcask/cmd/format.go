package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/blobcask/blobcask/pkg/blobfs"
	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/docker/go-units"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var formatParams struct {
	size          string
	inodes        uint32
	journalBlocks uint64
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Create an empty store on the device",
	Long: `Format lays a fresh store onto the device, destroying whatever it held.

When the device path does not exist yet, --size creates an image file of
the given size (accepting suffixes such as 512MB or 2GiB).
`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		fs := afero.NewOsFs()

		var (
			dev *blockdev.FileDevice
			err error
		)
		if formatParams.size != "" {
			var size int64
			size, err = units.RAMInBytes(formatParams.size)
			if err != nil {
				log.Fatalln("parsing --size:", err)
			}
			blocks := uint64(size) / uint64(params.blockSize)
			dev, err = blockdev.NewFile(fs, params.device, params.blockSize, blocks)
		} else {
			dev, err = blockdev.OpenFile(fs, params.device, params.blockSize)
		}
		if err != nil {
			log.Fatalln(err)
		}
		defer dev.Close()

		var opts []blobfs.FormatOption
		if formatParams.inodes > 0 {
			opts = append(opts, blobfs.InodeCount(formatParams.inodes))
		}
		if formatParams.journalBlocks > 0 {
			opts = append(opts, blobfs.JournalBlocks(formatParams.journalBlocks))
		}
		sb, err := blobfs.Format(ctx, dev, opts...)
		if err != nil {
			log.Fatalln(err)
		}
		fmt.Printf("formatted %s: %d blocks of %s, %d blob slots, %d journal blocks\n",
			params.device,
			sb.BlockCount,
			units.HumanSize(float64(sb.BlockSize)),
			sb.InodeCount,
			sb.JournalBlockCount,
		)
	},
}

func init() {
	fl := formatCmd.Flags()
	fl.StringVar(&formatParams.size, "size", "", "create the image file at this size before formatting")
	fl.Uint32Var(&formatParams.inodes, "inodes", 0, "number of blob slots (default scales with device size)")
	fl.Uint64Var(&formatParams.journalBlocks, "journal-blocks", 0, "journal size in blocks (default scales with device size)")
	rootCmd.AddCommand(formatCmd)
}
