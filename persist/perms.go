package persist

import (
	"fmt"

	"github.com/chazu/loom/vm"
)

// PermTable maps externally anchored values (builtin closures, module
// tables, the real globals table) to stable string keys. Such values are
// never literally serialized: the encoder substitutes the key, the
// decoder resolves it against its own mirror-image table. The mapping is
// bidirectional and duplicate registration under either side is an
// error, because an ambiguous permanent would silently cross-wire two
// distinct objects.
type PermTable struct {
	byKey map[string]vm.Value
	byVal map[vm.Value]string
}

func NewPermTable() *PermTable {
	return &PermTable{
		byKey: make(map[string]vm.Value),
		byVal: make(map[vm.Value]string),
	}
}

// Register anchors v under key.
func (p *PermTable) Register(key string, v vm.Value) error {
	if prev, ok := p.byKey[key]; ok {
		if prev == v {
			return nil
		}
		return fmt.Errorf("%w: key %q registered for two distinct values", ErrPermanent, key)
	}
	if prev, ok := p.byVal[v]; ok {
		return fmt.Errorf("%w: value already registered as %q, refusing %q", ErrPermanent, prev, key)
	}
	p.byKey[key] = v
	p.byVal[v] = key
	return nil
}

// KeyOf returns the key v was registered under.
func (p *PermTable) KeyOf(v vm.Value) (string, bool) {
	k, ok := p.byVal[v]
	return k, ok
}

// Resolve returns the value registered under key.
func (p *PermTable) Resolve(key string) (vm.Value, bool) {
	v, ok := p.byKey[key]
	return v, ok
}

// Len returns the number of registered permanents.
func (p *PermTable) Len() int {
	return len(p.byKey)
}

// ScavengeVM builds the baseline permanent table for a machine: the
// globals base table, every registered module table, every native
// closure inside them (keyed by its stable name), and any manager
// singleton userdata hanging off the globals. Both ends of a snapshot
// must scavenge equivalently configured machines or decode fails on the
// first unresolvable key.
func ScavengeVM(machine *vm.VM) (*PermTable, error) {
	p := NewPermTable()
	if err := p.Register("globals", machine.GlobalsBase); err != nil {
		return nil, err
	}
	for name, mod := range machine.Modules {
		if err := p.Register("module/"+name, mod); err != nil {
			return nil, err
		}
		var inner error
		mod.AsTable().Iterate(func(_, v vm.Value) bool {
			if v.Kind() != vm.KindClosure {
				return true
			}
			cl := v.AsClosure()
			if !cl.IsNative {
				return true
			}
			if err := p.Register("native/"+cl.Name, v); err != nil {
				inner = err
				return false
			}
			return true
		})
		if inner != nil {
			return nil, inner
		}
	}
	var inner error
	machine.GlobalsBase.AsTable().Iterate(func(k, v vm.Value) bool {
		if v.Kind() != vm.KindUserdata || k.Kind() != vm.KindString {
			return true
		}
		switch v.AsUserdata().Tag {
		case vm.UserdataEvents, vm.UserdataTimers:
			if err := p.Register("singleton/"+k.AsString().Data, v); err != nil {
				inner = err
				return false
			}
		}
		return true
	})
	if inner != nil {
		return nil, inner
	}
	return p, nil
}
