// Command raw2trace is the thin CLI around internal/convert. Directory
// discovery of raw trace files and rich option parsing are out of scope
// (spec §1's "external collaborators"); this just wires flags to
// convert.NewConverter.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/hoangvhh/raw2trace/internal/convert"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "raw2trace: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("raw2trace", pflag.ContinueOnError)
	modmapPath := fs.StringP("modmap", "m", "", "path to the module-map blob")
	outPath := fs.StringP("out", "o", "", "path to write the analysis trace (default: stdout)")
	verbosity := fs.IntP("verbose", "v", 0, "diagnostic verbosity (0-4)")
	maxCombined := fs.Int("max-combined-entries", 64, "scratch-buffer flush bound of the basic-block expander")
	if err := fs.Parse(args); err != nil {
		return err
	}

	threadPaths := fs.Args()
	if *modmapPath == "" || len(threadPaths) == 0 {
		fs.Usage()
		return fmt.Errorf("usage: raw2trace -m <modmap> <thread-file>... [-o out] [-v verbosity]")
	}

	modmap, err := os.ReadFile(*modmapPath)
	if err != nil {
		return fmt.Errorf("reading module map: %w", err)
	}

	var threads []convert.ThreadInput
	for _, p := range threadPaths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("opening thread file %s: %w", p, err)
		}
		defer f.Close()
		threads = append(threads, convert.ThreadInput{Name: p, R: f})
	}

	out := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	conv := convert.NewConverter(modmap, threads, out,
		convert.WithVerbosity(*verbosity),
		convert.WithMaxCombinedEntries(*maxCombined),
	)
	return conv.Convert()
}
