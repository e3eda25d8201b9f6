// Loom CLI - compile, run, snapshot and restore scripts
package main

import (
	"fmt"
	"os"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "compile":
		err = cmdCompile(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "snapshot":
		err = cmdSnapshot(os.Args[2:])
	case "restore":
		err = cmdRestore(os.Args[2:])
	case "list":
		err = cmdList(os.Args[2:])
	case "lsp":
		err = cmdLsp(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "loom: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: loom <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  compile <script>     Compile a script to a .lbc bytecode blob\n")
	fmt.Fprintf(os.Stderr, "  run <script>         Compile and run a script to completion\n")
	fmt.Fprintf(os.Stderr, "  snapshot <script>    Run a script to its first suspension and store a snapshot\n")
	fmt.Fprintf(os.Stderr, "  restore <script-id>  Resume a stored snapshot\n")
	fmt.Fprintf(os.Stderr, "  list                 List stored scripts and snapshots\n")
	fmt.Fprintf(os.Stderr, "  lsp                  Start the language server on stdio\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  loom compile door.lsl              # writes door.lbc\n")
	fmt.Fprintf(os.Stderr, "  loom run door.lsl\n")
	fmt.Fprintf(os.Stderr, "  loom snapshot door.lsl -store loom.db\n")
	fmt.Fprintf(os.Stderr, "  loom restore door.lsl -store loom.db\n")
}
