package linker

import (
	"math"
	"sync/atomic"
)

// ComdatGroup records which file owns a comdat key. Ownership is the
// minimum priority among all files that carry the group; election runs
// lock-free so the first phase can proceed in parallel.
type ComdatGroup struct {
	OwnerPriority atomic.Uint32
}

// ComdatGroupRef ties one file's instance of a group to the shared
// group record and the file-local member section indices.
type ComdatGroupRef struct {
	Group   *ComdatGroup
	Members []uint32
}

func GetComdatGroupInstance(ctx *Context, name string) *ComdatGroup {
	if v, ok := ctx.comdatGroups.Load(name); ok {
		return v.(*ComdatGroup)
	}
	group := &ComdatGroup{}
	group.OwnerPriority.Store(math.MaxUint32)
	v, _ := ctx.comdatGroups.LoadOrStore(name, group)
	return v.(*ComdatGroup)
}

// ResolveComdatGroups is phase one: each live file bids its priority.
func (o *ObjectFile) ResolveComdatGroups() {
	for _, ref := range o.ComdatGroups {
		for {
			cur := ref.Group.OwnerPriority.Load()
			if cur <= o.Priority {
				break
			}
			if ref.Group.OwnerPriority.CompareAndSwap(cur, o.Priority) {
				break
			}
		}
	}
}

// EliminateDuplicateComdatGroups is phase two: losers kill all their
// member sections.
func (o *ObjectFile) EliminateDuplicateComdatGroups() {
	for _, ref := range o.ComdatGroups {
		if ref.Group.OwnerPriority.Load() == o.Priority {
			continue
		}
		for _, shndx := range ref.Members {
			if isec := o.Sections[shndx]; isec != nil {
				isec.IsAlive = false
			}
		}
	}
}
