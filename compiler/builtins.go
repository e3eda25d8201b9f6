package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// BuiltinSig describes a library function callable from scripts.
// Script names use the historic ll prefix; at the instruction level the
// prefix is stripped and the call goes through an import pair.
type BuiltinSig struct {
	Name    string // script-visible name
	Module  string
	Member  string
	Returns Type
	Params  []Type
	Yields  bool // caller may suspend inside this call
}

var builtinSigs = map[string]*BuiltinSig{
	"llSay": {
		Name: "llSay", Module: "ll", Member: "Say",
		Returns: TypeVoid, Params: []Type{TypeInteger, TypeString},
	},
	"llSleep": {
		Name: "llSleep", Module: "ll", Member: "Sleep",
		Returns: TypeVoid, Params: []Type{TypeFloat}, Yields: true,
	},
	"llGetListLength": {
		Name: "llGetListLength", Module: "ll", Member: "GetListLength",
		Returns: TypeInteger, Params: []Type{TypeList},
	},
	"llStringLength": {
		Name: "llStringLength", Module: "ll", Member: "StringLength",
		Returns: TypeInteger, Params: []Type{TypeString},
	},
	"llFabs": {
		Name: "llFabs", Module: "ll", Member: "Fabs",
		Returns: TypeFloat, Params: []Type{TypeFloat},
	},
	"llListen": {
		Name: "llListen", Module: "ll", Member: "Listen",
		Returns: TypeInteger, Params: []Type{TypeInteger, TypeString, TypeKey, TypeString},
	},
	"llListenRemove": {
		Name: "llListenRemove", Module: "ll", Member: "ListenRemove",
		Returns: TypeVoid, Params: []Type{TypeInteger},
	},
	"llSetTimerEvent": {
		Name: "llSetTimerEvent", Module: "ll", Member: "SetTimerEvent",
		Returns: TypeVoid, Params: []Type{TypeFloat},
	},
}

// Signature renders the script-level form, e.g. "float llFabs(float)".
func (s *BuiltinSig) Signature() string {
	params := make([]string, len(s.Params))
	for i, p := range s.Params {
		params[i] = p.String()
	}
	return fmt.Sprintf("%s %s(%s)", s.Returns, s.Name, strings.Join(params, ", "))
}

// Signature renders the handler form, e.g. "touch_start(integer)".
func (s *EventSig) Signature() string {
	params := make([]string, len(s.Params))
	for i, p := range s.Params {
		params[i] = p.String()
	}
	return fmt.Sprintf("%s(%s)", s.Name, strings.Join(params, ", "))
}

// LookupBuiltin returns the signature of a script-visible library
// function, or nil.
func LookupBuiltin(name string) *BuiltinSig {
	return builtinSigs[name]
}

// Builtins returns every script-visible library function, sorted by name.
func Builtins() []*BuiltinSig {
	sigs := make([]*BuiltinSig, 0, len(builtinSigs))
	for _, sig := range builtinSigs {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Name < sigs[j].Name })
	return sigs
}

// LookupEvent returns the signature of a recognized event handler, or nil.
func LookupEvent(name string) *EventSig {
	return eventSigs[name]
}

// Events returns every recognized event handler, sorted by name.
func Events() []*EventSig {
	sigs := make([]*EventSig, 0, len(eventSigs))
	for _, sig := range eventSigs {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Name < sigs[j].Name })
	return sigs
}

// EventSig is the fixed parameter list of a recognized event handler.
type EventSig struct {
	Name   string
	Params []Type
}

var eventSigs = map[string]*EventSig{
	"state_entry": {Name: "state_entry"},
	"state_exit":  {Name: "state_exit"},
	"touch_start": {Name: "touch_start", Params: []Type{TypeInteger}},
	"touch_end":   {Name: "touch_end", Params: []Type{TypeInteger}},
	"timer":       {Name: "timer"},
	"listen": {
		Name:   "listen",
		Params: []Type{TypeInteger, TypeString, TypeKey, TypeString},
	},
	"on_rez":  {Name: "on_rez", Params: []Type{TypeInteger}},
	"changed": {Name: "changed", Params: []Type{TypeInteger}},
}
