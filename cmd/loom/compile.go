package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/loom/compiler"
)

// compileScript reads and compiles one source file, printing any
// diagnostics to stderr.
func compileScript(path string) (*compiler.Results, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	res := compiler.Compile(string(source), filepath.Base(path))
	if out := res.Format(); out != "" {
		fmt.Fprint(os.Stderr, out)
	}
	if !res.OK() {
		return nil, fmt.Errorf("%s: %d errors", path, len(res.Errors))
	}
	return res, nil
}

func cmdCompile(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	out := fs.String("o", "", "Output path (default: source path with .lbc extension)")
	verbose := fs.Bool("v", false, "Verbose output")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("compile takes exactly one script path")
	}
	path := fs.Arg(0)

	res, err := compileScript(path)
	if err != nil {
		return err
	}

	dest := *out
	if dest == "" {
		dest = strings.TrimSuffix(path, filepath.Ext(path)) + ".lbc"
	}
	if err := os.WriteFile(dest, res.Blob, 0644); err != nil {
		return err
	}
	if *verbose {
		fmt.Printf("Wrote %s (%d bytes, %d routines)\n", dest, len(res.Blob), len(res.Protos))
	}
	return nil
}
