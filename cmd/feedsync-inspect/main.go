// Command feedsync-inspect summarizes the contents of a feedsync pebble store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"feedsync/pkg/store"
)

func main() {
	ns := flag.String("ns", "", "List the keys of one namespace")
	limit := flag.Int("limit", 20, "Maximum keys to print per namespace")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-ns name] [-limit n] <db_path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if _, err := os.Stat(flag.Arg(0)); err != nil {
		log.Fatal(err)
	}
	db, err := store.OpenPebble(flag.Arg(0), store.PebbleOptions{})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := inspect(context.Background(), os.Stdout, db, *ns, *limit); err != nil {
		log.Fatal(err)
	}
}

// inspect prints per-namespace key counts and value sizes. With only set,
// the first limit keys of that namespace are listed as well.
func inspect(ctx context.Context, w io.Writer, s *store.Pebble, only string, limit int) error {
	namespaces, err := s.Namespaces(ctx)
	if err != nil {
		return err
	}
	var totalKeys, totalBytes uint64
	for _, ns := range namespaces {
		if only != "" && ns != only {
			continue
		}
		keys, err := s.Keys(ctx, ns)
		if err != nil {
			return err
		}
		var size uint64
		for i, k := range keys {
			v, err := s.Get(ctx, ns, k)
			if err != nil {
				return err
			}
			size += uint64(len(v))
			if only != "" && i < limit {
				fmt.Fprintf(w, "  %s (%s)\n", k, humanize.IBytes(uint64(len(v))))
			}
		}
		totalKeys += uint64(len(keys))
		totalBytes += size
		fmt.Fprintf(w, "%-20s %10s keys %12s\n", ns, humanize.Comma(int64(len(keys))), humanize.IBytes(size))
	}
	fmt.Fprintf(w, "\nTotal: %s keys, %s\n", humanize.Comma(int64(totalKeys)), humanize.IBytes(totalBytes))
	if u, err := store.DiskUsage(s.Path()); err == nil {
		fmt.Fprintf(w, "Disk: %s free of %s (%.1f%% used)\n", humanize.IBytes(u.Available), humanize.IBytes(u.Total), u.UsedPct())
	}
	return nil
}
