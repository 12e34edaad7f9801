// Command nodescope-dump prints the raw contents of a trace archive
// directory written by nodescope, one unadorned line per definition
// and per event.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nodescope/nodescope/trace/archive"
)

func main() {
	flagDir := flag.String("dir", "nodescope.trace", "trace archive `directory`")
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(2)
	}

	r, err := archive.Open(*flagDir)
	if err != nil {
		log.Fatal(err)
	}

	defs, err := r.Definitions()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("definitions:\n")
	for _, d := range defs {
		fmt.Printf("  %s %d = %q\n", d.Kind, d.ID, d.Name)
	}

	locs, err := r.Locations()
	if err != nil {
		log.Fatal(err)
	}
	for _, loc := range locs {
		events, err := r.Events(loc)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("location %d: %d events\n", loc, len(events))
		for _, ev := range events {
			fmt.Printf("  %+v\n", ev)
		}
	}
}
