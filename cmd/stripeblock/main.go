// Command stripeblock serves a striped block store over NBD. Each path
// argument becomes one stripe file; logical blocks are spread round-robin
// across them.
package main

import (
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/kochman/stripeblock"
	"github.com/kochman/stripeblock/cache"
	"github.com/kochman/stripeblock/nbd"
	"github.com/kochman/stripeblock/striped"
)

func main() {
	blockSize := pflag.Int("block-size", 4096, "bytes per block")
	prealloc := pflag.Int64("preallocate", 0, "total blocks to preallocate across all stripes")
	exportSize := pflag.Int64("export-size", 0, "export size in bytes (default: block-size * preallocate)")
	listen := pflag.String("listen", ":10809", "NBD listen address")
	create := pflag.Bool("create", false, "create the stripe files; fail if any exists")
	cacheBlocks := pflag.Int("cache-blocks", 0, "blocks to cache in memory (0 disables the cache)")
	pflag.Parse()

	paths := pflag.Args()
	if len(paths) == 0 {
		log.Print("no stripe paths given")
		pflag.Usage()
		os.Exit(2)
	}

	mode := stripeblock.OpenOrCreate
	if *create {
		mode = stripeblock.CreateNew
	}

	var store stripeblock.Store
	store, err := striped.Open(paths, *blockSize, *prealloc, mode)
	if err != nil {
		log.Printf("unable to open striped store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	if *cacheBlocks > 0 {
		store, err = cache.New(store, *cacheBlocks)
		if err != nil {
			log.Printf("unable to set up cache: %v", err)
			os.Exit(1)
		}
	}

	size := *exportSize
	if size == 0 {
		size = int64(*blockSize) * *prealloc
	}
	if size <= 0 {
		log.Print("export size unknown; pass --export-size or --preallocate")
		os.Exit(2)
	}

	log.Printf("serving %d stripes, %d byte blocks, %d byte export on %s",
		len(paths), *blockSize, size, *listen)
	err = nbd.New(store, size).ListenAndServe(*listen)
	if err != nil {
		log.Printf("unable to serve: %v", err)
		os.Exit(1)
	}
}
