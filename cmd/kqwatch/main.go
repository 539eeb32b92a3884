// Command kqwatch watches a directory tree and prints the semantic events
// kqwatch reconciles out of the kernel's raw kqueue notifications.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kqwatch/kqwatch"
)

var usage = `
kqwatch watches a directory tree on BSD-family kernels using kqueue and
prints create/delete/modify/move events as they're reconciled.

Usage:

    kqwatch [-r] [-timeout 1s] path
`[1:]

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, filepath.Base(os.Args[0])+": "+format+"\n", a...)
	fmt.Print("\n" + usage)
	os.Exit(1)
}

// printTime prefixes a line with the time, a bit shorter than log.Print
// since we don't need the date and sub-millisecond resolution is useful here.
func printTime(s string, args ...interface{}) {
	fmt.Printf(time.Now().Format("15:04:05.0000")+" "+s+"\n", args...)
}

func main() {
	recursive := flag.Bool("r", false, "watch subdirectories recursively")
	timeout := flag.Duration("timeout", time.Second, "kevent wait timeout per cycle")
	flag.Usage = func() { fmt.Print(usage) }
	flag.Parse()

	if flag.NArg() != 1 {
		exit("must specify exactly one path to watch")
	}
	root := flag.Arg(0)

	e, err := kqwatch.New(root, *recursive)
	if err != nil {
		exit("creating emitter for %q: %s", root, err)
	}
	defer e.Close()

	go e.Run(*timeout)

	printTime("watching %q (recursive=%v); press ^C to exit", root, *recursive)
	n := 0
	for {
		select {
		case ev, ok := <-e.Events:
			if !ok {
				return
			}
			n++
			printTime("%3d %s", n, ev)
		case err, ok := <-e.Errors:
			if !ok {
				return
			}
			printTime("ERROR: %s", err)
		}
	}
}
