// pattern: Functional Core

// Package taskgroup implements TaskGroup: the set of all TaskInstances of
// one named program, per spec.md section 4.3.
package taskgroup

import (
	"taskmasterd/internal/config"
	"taskmasterd/internal/taskinstance"
)

// Group owns exactly NumProcs TaskInstances for one program, per the
// invariant in spec.md section 3.
type Group struct {
	Name      string
	Config    config.ProgramConfig
	Instances []*taskinstance.Instance
}

// New builds a Group with one Instance per Config.NumProcs, as freshly
// created (NotStartedYet) slots.
func New(name string, pc config.ProgramConfig) *Group {
	g := &Group{Name: name, Config: pc}
	g.Instances = make([]*taskinstance.Instance, pc.NumProcs)
	for i := range g.Instances {
		g.Instances[i] = taskinstance.New(name, i, pc)
	}
	return g
}

// AllTerminalOrIdle reports whether every instance is out of the live set
// {Starting, Running, Stopping} — the condition the reload algorithm and
// shutdown both wait for before tearing a group down.
func (g *Group) AllTerminalOrIdle() bool {
	for _, inst := range g.Instances {
		if inst.Kind().Alive() {
			return false
		}
	}
	return true
}

// ApplyConfig swaps in fields that affect only future transitions across
// every instance, without disturbing any live child — spec.md section
// 4.4's in-place reload path.
func (g *Group) ApplyConfig(pc config.ProgramConfig) {
	g.Config = pc
	for _, inst := range g.Instances {
		inst.SetConfig(pc)
	}
}

// Snapshot returns a status for every instance, in index order.
func (g *Group) Snapshot() []taskinstance.Status {
	out := make([]taskinstance.Status, len(g.Instances))
	for i, inst := range g.Instances {
		out[i] = inst.Snapshot()
	}
	return out
}
