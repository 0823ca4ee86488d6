package main

import (
	"github.com/blobcask/blobcask/cmd/blobcask/cmd"
)

func main() {
	cmd.Execute()
}
