package linker

import (
	"debug/elf"
	"sort"
	"sync"

	"github.com/twmb/murmur3"
	"github.com/ksora/weld/pkg/utils"
)

// MergedSection deduplicates mergeable string/constant fragments.
// Fragments are keyed by the murmur3 hash of their contents; the map
// value keeps the bytes for offset assignment and writing.
type MergedSection struct {
	Chunk
	mu  sync.Mutex
	Map map[uint64]*SectionFragment
}

func NewMergedSection(name string, flags uint64, typ uint32) *MergedSection {
	r := &MergedSection{
		Chunk: NewChunk(),
		Map:   make(map[uint64]*SectionFragment),
	}
	r.Name = name
	r.Shdr.Flags = flags
	r.Shdr.Type = typ
	return r
}

var mergedMu sync.Mutex

func GetMergedSectionInstance(ctx *Context, name string, typ uint32, flags uint64) *MergedSection {
	name = GetOutputName(name, flags)
	flags = flags & ^uint64(elf.SHF_GROUP) & ^uint64(elf.SHF_MERGE) &
		^uint64(elf.SHF_STRINGS) & ^uint64(elf.SHF_COMPRESSED)

	mergedMu.Lock()
	defer mergedMu.Unlock()

	for _, osec := range ctx.MergedSections {
		if name == osec.Name && flags == osec.Shdr.Flags && typ == osec.Shdr.Type {
			return osec
		}
	}

	osec := NewMergedSection(name, flags, typ)
	ctx.MergedSections = append(ctx.MergedSections, osec)
	return osec
}

func (m *MergedSection) Insert(key string, p2align uint32) *SectionFragment {
	hash := murmur3.StringSum64(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	fragment, ok := m.Map[hash]
	if !ok {
		fragment = NewSectionFragment(m, key)
		m.Map[hash] = fragment
	}
	if fragment.P2Align < p2align {
		fragment.P2Align = p2align
	}
	return fragment
}

func (m *MergedSection) AssignOffsets() {
	fragments := make([]*SectionFragment, 0, len(m.Map))
	for _, frag := range m.Map {
		fragments = append(fragments, frag)
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		x := fragments[i]
		y := fragments[j]
		if x.P2Align != y.P2Align {
			return x.P2Align < y.P2Align
		}
		if len(x.Data) != len(y.Data) {
			return len(x.Data) < len(y.Data)
		}
		return x.Data < y.Data
	})

	offset := uint64(0)
	p2align := uint64(0)
	for _, frag := range fragments {
		if !frag.IsAlive {
			continue
		}

		offset = utils.AlignTo(offset, 1<<frag.P2Align)
		frag.Offset = uint32(offset)
		offset += uint64(len(frag.Data))
		if p2align < uint64(frag.P2Align) {
			p2align = uint64(frag.P2Align)
		}
	}

	m.Shdr.Size = utils.AlignTo(offset, 1<<p2align)
	m.Shdr.AddrAlign = 1 << p2align
}

func (m *MergedSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[m.Shdr.Offset:]
	for _, frag := range m.Map {
		if frag.IsAlive {
			copy(buf[frag.Offset:], frag.Data)
		}
	}
}
