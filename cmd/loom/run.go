package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chazu/loom/compiler"
	"github.com/chazu/loom/vm"
)

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Verbose output")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("run takes exactly one script path")
	}

	res, err := compileScript(fs.Arg(0))
	if err != nil {
		return err
	}

	machine := vm.New()
	machine.Say = func(msg string) { fmt.Println(msg) }
	th := machine.NewSandboxedThread()
	if _, err := th.Call(vm.NewClosure(res.Main, th.Env, 0)); err != nil {
		return fmt.Errorf("initializing globals: %w", err)
	}
	return driveScript(res, th, *verbose)
}

// driveScript runs state_entry handlers, honoring sleep and state-change
// suspensions, until the script settles.
func driveScript(res *compiler.Results, th *vm.Thread, verbose bool) error {
	state := 0
	for {
		handler := vm.GlobalGet(th.Env, fmt.Sprintf("_e%d/state_entry", state))
		if handler.Kind() != vm.KindClosure {
			return nil
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "state %s\n", res.States[state])
		}

		yields, err := th.Call(handler)
		if err != nil {
			return err
		}
		switched := false
		for th.Status == vm.ThreadSuspended {
			if target, ok := stateTarget(yields); ok {
				idx := stateIndex(res.States, target)
				if idx < 0 {
					return fmt.Errorf("state change to unknown state %q", target)
				}
				// A state change ends the running handler.
				th.AbandonFrames()
				state = idx
				switched = true
				break
			}
			sleepForYield(yields)
			yields, err = th.Resume()
			if err != nil {
				return err
			}
		}
		if !switched {
			return nil
		}
	}
}

// stateTarget decodes a ("state", name) suspension.
func stateTarget(yields []vm.Value) (string, bool) {
	if len(yields) < 2 ||
		yields[0].Kind() != vm.KindString || yields[1].Kind() != vm.KindString {
		return "", false
	}
	if yields[0].AsString().Data != "state" {
		return "", false
	}
	return yields[1].AsString().Data, true
}

func stateIndex(states []string, name string) int {
	for i, s := range states {
		if s == name {
			return i
		}
	}
	return -1
}

// sleepForYield honors a numeric suspension as a sleep in seconds.
func sleepForYield(yields []vm.Value) {
	if len(yields) > 0 && yields[0].IsNumber() {
		if secs := yields[0].Number(); secs > 0 {
			time.Sleep(time.Duration(secs * float64(time.Second)))
		}
	}
}
