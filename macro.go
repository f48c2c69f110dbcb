package vtl

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dangdungcntt/go-vtl/parse"
)

// Macro is a named, parameterized template fragment.
type Macro struct {
	Name   string
	Params []string
	// Namespace is the declaring template for local macros, "" for global ones.
	Namespace string

	body *parse.ListNode
	pos  parse.Pos
}

func macrosFromTree(tree *parse.Tree, namespace string) []*Macro {
	macros := make([]*Macro, 0, len(tree.Macros))
	for _, m := range tree.Macros {
		macros = append(macros, &Macro{
			Name:      m.Name,
			Params:    m.Params,
			Namespace: namespace,
			body:      m.Body,
			pos:       m.Pos,
		})
	}
	return macros
}

// MacroRegistry stores global macros and per-template local macros.
// A local macro shadows a global macro of the same name for its template.
type MacroRegistry struct {
	mu     sync.RWMutex
	global map[string]*Macro
	local  map[string]map[string]*Macro
}

// NewMacroRegistry creates an empty registry.
func NewMacroRegistry() *MacroRegistry {
	return &MacroRegistry{
		global: map[string]*Macro{},
		local:  map[string]map[string]*Macro{},
	}
}

// Register adds m to its namespace, replacing a macro of the same name there.
func (r *MacroRegistry) Register(m *Macro) error {
	if m == nil {
		return fmt.Errorf("vtl: macro is required")
	}
	if m.Name == "" {
		return fmt.Errorf("vtl: macro name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Namespace == "" {
		r.global[m.Name] = m
		return nil
	}
	ns, ok := r.local[m.Namespace]
	if !ok {
		ns = map[string]*Macro{}
		r.local[m.Namespace] = ns
	}
	ns[m.Name] = m
	return nil
}

// ReplaceNamespace swaps all local macros of namespace for macros in one step.
// Used when a template is recompiled so stale definitions disappear.
func (r *MacroRegistry) ReplaceNamespace(namespace string, macros []*Macro) {
	ns := make(map[string]*Macro, len(macros))
	for _, m := range macros {
		ns[m.Name] = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(ns) == 0 {
		delete(r.local, namespace)
		return
	}
	r.local[namespace] = ns
}

// Lookup finds name as seen from namespace: local first, then global.
func (r *MacroRegistry) Lookup(name, namespace string) (*Macro, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.local[namespace][name]; ok {
		return m, true
	}
	m, ok := r.global[name]
	return m, ok
}

// Names returns the sorted macro names visible from namespace.
func (r *MacroRegistry) Names(namespace string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.global))
	for name := range r.global {
		seen[name] = struct{}{}
	}
	for name := range r.local[namespace] {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
