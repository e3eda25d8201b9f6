package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/tliron/commonlog"

	"github.com/chazu/loom/compiler"
	"github.com/chazu/loom/manifest"
	"github.com/chazu/loom/persist"
	"github.com/chazu/loom/snapstore"
	"github.com/chazu/loom/vm"
	"github.com/chazu/loom/wire"
)

var log = commonlog.GetLogger("loom")

func compilerVersion() string {
	return fmt.Sprintf("loom/%d", compiler.Version)
}

// resolveStore opens the snapshot database named by the flag, falling
// back to the project manifest and then to loom.db.
func resolveStore(flagPath string) (*snapstore.Store, error) {
	path := flagPath
	if path == "" {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			return nil, err
		}
		if m != nil {
			path = m.StorePath()
		} else {
			path = "loom.db"
		}
	}
	return snapstore.Open(path)
}

// persistSettings come from the manifest when one is present.
func persistSettings() persist.Settings {
	m, err := manifest.FindAndLoad(".")
	if err != nil || m == nil {
		return persist.DefaultSettings()
	}
	return persist.Settings{
		MaxComplexity:  m.Persist.MaxComplexity,
		GeneratePath:   m.Persist.GeneratePath,
		StripDebugInfo: m.Persist.StripDebugInfo,
	}
}

func cmdSnapshot(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	storePath := fs.String("store", "", "Snapshot database path (default from loom.toml)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("snapshot takes exactly one script path")
	}
	path := fs.Arg(0)
	scriptID := filepath.Base(path)

	res, err := compileScript(path)
	if err != nil {
		return err
	}

	machine := vm.New()
	machine.Say = func(msg string) { fmt.Println(msg) }
	th := machine.NewSandboxedThread()
	if _, err := th.Call(vm.NewClosure(res.Main, th.Env, 0)); err != nil {
		return fmt.Errorf("initializing globals: %w", err)
	}

	// Run the entry handler up to its first suspension; an idle thread
	// snapshots fine too.
	handler := vm.GlobalGet(th.Env, "_e0/state_entry")
	if handler.Kind() == vm.KindClosure {
		if _, err := th.Call(handler); err != nil {
			return err
		}
	}

	fsrv, err := persist.NewForkServer(machine, th, persistSettings())
	if err != nil {
		return err
	}

	store, err := resolveStore(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveBytecode(scriptID, sha256.Sum256(res.Blob), res.Blob); err != nil {
		return err
	}
	seq, err := store.SaveSnapshot(scriptID, wire.New(scriptID, compilerVersion(), fsrv.Blob()))
	if err != nil {
		return err
	}
	log.Infof("saved snapshot %d of %s (%d bytes)", seq, scriptID, len(fsrv.Blob()))
	fmt.Printf("Snapshot %d of %s saved\n", seq, scriptID)
	return nil
}

func cmdRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	storePath := fs.String("store", "", "Snapshot database path (default from loom.toml)")
	seq := fs.Int64("seq", 0, "Snapshot sequence number (default: latest)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("restore takes exactly one script id")
	}
	scriptID := fs.Arg(0)

	store, err := resolveStore(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var env *wire.Envelope
	if *seq > 0 {
		env, err = store.LoadSnapshot(scriptID, *seq)
	} else {
		env, _, err = store.Latest(scriptID)
	}
	if err != nil {
		return err
	}
	if env.CompilerVersion != compilerVersion() {
		return fmt.Errorf("snapshot of %s built by %s, this is %s",
			scriptID, env.CompilerVersion, compilerVersion())
	}

	_, blob, err := store.LoadBytecode(scriptID)
	if err != nil {
		return err
	}
	protos, err := compiler.Deserialize(blob)
	if err != nil {
		return err
	}

	machine := vm.New()
	machine.Say = func(msg string) { fmt.Println(msg) }
	perms, err := persist.ScavengeVM(machine)
	if err != nil {
		return err
	}
	if err := persist.RegisterProtos(perms, protos); err != nil {
		return err
	}

	set := persistSettings()
	v, err := persist.Unpersist(machine, set, perms, env.Snapshot)
	if err != nil {
		return err
	}
	if v.Kind() != vm.KindThread {
		return fmt.Errorf("snapshot of %s decoded to a %s", scriptID, v.Kind())
	}
	th := v.AsThread()
	log.Infof("restored %s, resuming", scriptID)

	for th.Status == vm.ThreadSuspended {
		yields, err := th.Resume()
		if err != nil {
			return err
		}
		if th.Status == vm.ThreadSuspended {
			sleepForYield(yields)
		}
	}
	fmt.Printf("%s ran to completion\n", scriptID)
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	storePath := fs.String("store", "", "Snapshot database path (default from loom.toml)")
	fs.Parse(args)

	store, err := resolveStore(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List()
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Printf("%-40s %d snapshots (latest %d)\n", info.ScriptID, info.Snapshots, info.LatestSeq)
	}
	return nil
}
