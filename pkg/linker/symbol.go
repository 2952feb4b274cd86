package linker

import (
	"debug/elf"
	"sync"
)

const (
	NEEDS_GOT     uint32 = 1 << 0
	NEEDS_PLT     uint32 = 1 << 1
	NEEDS_GOTTP   uint32 = 1 << 2
	NEEDS_TLSGD   uint32 = 1 << 3
	NEEDS_TLSDESC uint32 = 1 << 4
	NEEDS_TLSLD   uint32 = 1 << 5
	NEEDS_COPYREL uint32 = 1 << 6
)

// Symbol is the process-wide record for one name. All files referring
// to the name share the same pointer; installs take Mu.
type Symbol struct {
	Mu sync.Mutex

	File InputFiler

	InputSection    *InputSection
	OutputSection   Chunker
	SectionFragment *SectionFragment

	Value uint64
	Name  string

	SymIdx int32
	AuxIdx int32
	VerIdx uint16

	Flags      uint32
	Visibility uint8

	IsWeak          bool
	IsImported      bool
	IsExported      bool
	HasCopyrel      bool
	CopyrelReadonly bool
}

func initSymbol(s *Symbol, name string) {
	s.File = nil
	s.InputSection = nil
	s.OutputSection = nil
	s.SectionFragment = nil
	s.Value = 0
	s.Name = name
	s.SymIdx = -1
	s.AuxIdx = -1
	s.VerIdx = VER_NDX_UNSPECIFIED
	s.Flags = 0
	s.Visibility = uint8(elf.STV_DEFAULT)
	s.IsWeak = false
	s.IsImported = false
	s.IsExported = false
	s.HasCopyrel = false
	s.CopyrelReadonly = false
}

func NewSymbol(name string) *Symbol {
	s := &Symbol{}
	initSymbol(s, name)
	return s
}

// GetSymbolByName interns name. The returned pointer is stable for the
// life of the link; concurrent callers get the same record.
func GetSymbolByName(ctx *Context, name string) *Symbol {
	if v, ok := ctx.SymbolMap.Load(name); ok {
		return v.(*Symbol)
	}
	v, _ := ctx.SymbolMap.LoadOrStore(name, NewSymbol(name))
	return v.(*Symbol)
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.OutputSection = nil
	s.SectionFragment = nil
}

func (s *Symbol) SetOutputSection(osec Chunker) {
	s.InputSection = nil
	s.OutputSection = osec
	s.SectionFragment = nil
}

func (s *Symbol) SetSectionFragment(frag *SectionFragment) {
	s.InputSection = nil
	s.OutputSection = nil
	s.SectionFragment = frag
}

func (s *Symbol) GetGotIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].GotIdx
}

func (s *Symbol) GetGotTpIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].GotTpIdx
}

func (s *Symbol) GetTlsGdIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].TlsGdIdx
}

func (s *Symbol) GetTlsDescIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].TlsDescIdx
}

func (s *Symbol) GetPltIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].PltIdx
}

func (s *Symbol) GetPltGotIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].PltGotIdx
}

func (s *Symbol) GetDynsymIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].DynsymIdx
}

func (s *Symbol) SetGotIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].GotIdx = idx
}

func (s *Symbol) SetGotTpIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].GotTpIdx = idx
}

func (s *Symbol) SetTlsGdIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].TlsGdIdx = idx
}

func (s *Symbol) SetTlsDescIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].TlsDescIdx = idx
}

func (s *Symbol) SetPltIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].PltIdx = idx
}

func (s *Symbol) SetPltGotIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].PltGotIdx = idx
}

func (s *Symbol) SetDynsymIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].DynsymIdx = idx
}

func (s *Symbol) ElfSym() *Sym {
	return &s.File.Base().ElfSyms[s.SymIdx]
}

func (s *Symbol) GetType() uint8 {
	if s.File == nil || s.SymIdx < 0 {
		return uint8(elf.STT_NOTYPE)
	}
	return s.ElfSym().Type()
}

// GetPltAddr returns the address of the symbol's PLT entry, whether it
// lives in .plt or .plt.got.
func (s *Symbol) GetPltAddr(ctx *Context) uint64 {
	if idx := s.GetPltIdx(ctx); idx != -1 {
		return ctx.Plt.Shdr.Addr + ctx.Arch.PltHdrSize + uint64(idx)*ctx.Arch.PltEntSize
	}
	if idx := s.GetPltGotIdx(ctx); idx != -1 {
		return ctx.PltGot.Shdr.Addr + uint64(idx)*ctx.Arch.PltEntSize
	}
	return 0
}

func (s *Symbol) GetAddr(ctx *Context) uint64 {
	if s.HasCopyrel {
		if s.CopyrelReadonly {
			return ctx.DynbssRelro.Shdr.Addr + s.Value
		}
		return ctx.Dynbss.Shdr.Addr + s.Value
	}

	// An imported function resolves to its PLT entry; with a canonical
	// PLT that address is the symbol's definitive address.
	if s.IsImported && s.GetPltIdx(ctx) != -1 {
		return s.GetPltAddr(ctx)
	}

	if s.SectionFragment != nil {
		if !s.SectionFragment.IsAlive {
			return 0
		}
		return s.SectionFragment.GetAddr() + s.Value
	}

	// A symbol bound directly to an output chunk carries its final
	// absolute address in Value.
	if s.InputSection == nil {
		return s.Value
	}

	if !s.InputSection.IsAlive {
		return 0
	}

	return s.InputSection.GetAddr() + s.Value
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GetGotTpIdx(ctx))*ctx.Arch.WordSize
}

func (s *Symbol) Clear() {
	initSymbol(s, s.Name)
}

func (s *Symbol) GetRank() uint64 {
	if s.File == nil {
		return RankUnresolved
	}
	f := s.File.Base()
	return GetRank(f, s.ElfSym(), !f.IsAlive.Load())
}
