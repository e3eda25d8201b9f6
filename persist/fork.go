package persist

import (
	"fmt"

	"github.com/chazu/loom/vm"
)

// ForkServer snapshots one initialized template thread once and
// re-instantiates independent copies from the cached stream. Prototypes
// reachable from the template are registered as permanents keyed by
// source name and bytecode id, so every fork shares them instead of
// re-decoding bytecode.
type ForkServer struct {
	machine  *vm.VM
	settings Settings
	perms    *PermTable
	blob     []byte
}

// NewForkServer validates the template, builds the permanent table, and
// takes the one-time snapshot.
func NewForkServer(machine *vm.VM, template *vm.Thread, set Settings) (*ForkServer, error) {
	if template.Status == vm.ThreadRunning {
		return nil, ErrRunningThread
	}
	perms, err := ScavengeVM(machine)
	if err != nil {
		return nil, err
	}
	if err := registerProtoPerms(perms, template); err != nil {
		return nil, err
	}
	blob, err := Persist(machine, set, perms, template.Value())
	if err != nil {
		return nil, err
	}
	return &ForkServer{
		machine:  machine,
		settings: set,
		perms:    perms,
		blob:     blob,
	}, nil
}

// Blob returns the cached template snapshot, for shipping or storage.
func (f *ForkServer) Blob() []byte {
	return f.blob
}

// Fork instantiates a fresh copy of the template, charged to the given
// allocation category. A failed decode returns the error and leaves the
// fork server and its machine untouched: one bad fork must not take the
// harness down.
func (f *ForkServer) Fork(memcat uint8) (*vm.Thread, error) {
	v, err := Unpersist(f.machine, f.settings, f.perms, f.blob)
	if err != nil {
		return nil, err
	}
	if v.Kind() != vm.KindThread {
		return nil, fmt.Errorf("%w: template snapshot decoded to a %s", ErrBadTag, v.Kind())
	}
	t := v.AsThread()
	t.MemCat = memcat
	return t, nil
}

// SerializeThread re-snapshots a forked instance with the cached
// permanent table, so a fork's own progress can be shipped elsewhere.
func (f *ForkServer) SerializeThread(t *vm.Thread) ([]byte, error) {
	return Persist(f.machine, f.settings, f.perms, t.Value())
}

// RegisterProtos anchors prototypes and their children as permanents
// under stable "proto/<source>/<id>" keys. A host restoring a shipped
// snapshot registers freshly deserialized bytecode this way so the
// stream's proto references resolve.
func RegisterProtos(p *PermTable, protos []*vm.Proto) error {
	seen := make(map[*vm.Proto]bool)
	for _, pr := range protos {
		if err := addProtoPerm(p, pr, seen); err != nil {
			return err
		}
	}
	return nil
}

func addProtoPerm(p *PermTable, pr *vm.Proto, seen map[*vm.Proto]bool) error {
	if pr == nil || seen[pr] {
		return nil
	}
	seen[pr] = true
	key := fmt.Sprintf("proto/%s/%d", pr.Source, pr.BytecodeID)
	if err := p.Register(key, pr.Value()); err != nil {
		return err
	}
	for _, child := range pr.Protos {
		if err := addProtoPerm(p, child, seen); err != nil {
			return err
		}
	}
	return nil
}

// registerProtoPerms anchors every prototype reachable from the template.
// Bytecode ids are dense per compilation unit, so the source and id pair
// is unique within one script.
func registerProtoPerms(p *PermTable, t *vm.Thread) error {
	seen := make(map[*vm.Proto]bool)
	add := func(pr *vm.Proto) error {
		return addProtoPerm(p, pr, seen)
	}

	scan := func(v vm.Value) error {
		if v.Kind() != vm.KindClosure {
			return nil
		}
		cl := v.AsClosure()
		if cl.IsNative {
			return nil
		}
		return add(cl.Proto)
	}

	var inner error
	t.Env.AsTable().Iterate(func(_, v vm.Value) bool {
		inner = scan(v)
		return inner == nil
	})
	if inner != nil {
		return inner
	}

	live := t.Top
	for _, ci := range t.Frames {
		if ci.Top > live {
			live = ci.Top
		}
	}
	for i := 0; i < live; i++ {
		if err := scan(t.Stack[i]); err != nil {
			return err
		}
	}
	return nil
}
