package linker

import (
	"debug/elf"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/ksora/weld/pkg/utils"
)

// GotSection owns every flavor of GOT slot: plain GOT loads, TP-offset
// slots, TLSGD and TLSDESC pairs, and the single module-wide TLSLD
// pair.
type GotSection struct {
	Chunk
	GotSyms     []*Symbol
	GotTpSyms   []*Symbol
	TlsGdSyms   []*Symbol
	TlsDescSyms []*Symbol
	TlsLdIdx    int32
	NumSlots    uint64
}

func NewGotSection() *GotSection {
	g := &GotSection{Chunk: NewChunk(), TlsLdIdx: -1}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	return g
}

func (g *GotSection) AddGotSymbol(ctx *Context, sym *Symbol) {
	sym.SetGotIdx(ctx, int32(g.NumSlots))
	g.NumSlots++
	g.GotSyms = append(g.GotSyms, sym)
}

func (g *GotSection) AddGotTpSymbol(ctx *Context, sym *Symbol) {
	sym.SetGotTpIdx(ctx, int32(g.NumSlots))
	g.NumSlots++
	g.GotTpSyms = append(g.GotTpSyms, sym)
}

func (g *GotSection) AddTlsGdSymbol(ctx *Context, sym *Symbol) {
	sym.SetTlsGdIdx(ctx, int32(g.NumSlots))
	g.NumSlots += 2
	g.TlsGdSyms = append(g.TlsGdSyms, sym)
}

func (g *GotSection) AddTlsDescSymbol(ctx *Context, sym *Symbol) {
	sym.SetTlsDescIdx(ctx, int32(g.NumSlots))
	g.NumSlots += 2
	g.TlsDescSyms = append(g.TlsDescSyms, sym)
}

func (g *GotSection) AddTlsLd(ctx *Context) {
	if g.TlsLdIdx != -1 {
		return
	}
	g.TlsLdIdx = int32(g.NumSlots)
	g.NumSlots += 2
}

// NumIFuncSyms is the IRELATIVE entry count, the quantity the
// __rel_iplt_{start,end} range is derived from.
func (g *GotSection) NumIFuncSyms() int64 {
	n := int64(0)
	for _, sym := range g.GotSyms {
		if sym.GetType() == STT_GNU_IFUNC {
			n++
		}
	}
	return n
}

func (g *GotSection) UpdateShdr(ctx *Context) {
	slots := g.NumSlots
	if slots == 0 {
		slots = 1
	}
	g.Shdr.Size = slots * ctx.Arch.WordSize
}

func (g *GotSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[g.Shdr.Offset : g.Shdr.Offset+g.Shdr.Size]
	for i := range buf {
		buf[i] = 0
	}

	// Imported and ifunc slots are filled by the dynamic loader; the
	// rest hold the symbol's link-time address.
	for _, sym := range g.GotSyms {
		if !sym.IsImported && sym.GetType() != STT_GNU_IFUNC {
			utils.Write[uint64](buf[uint64(sym.GetGotIdx(ctx))*8:], sym.GetAddr(ctx))
		}
	}

	for _, sym := range g.GotTpSyms {
		if !sym.IsImported {
			utils.Write[uint64](buf[uint64(sym.GetGotTpIdx(ctx))*8:], sym.GetAddr(ctx)-ctx.TpAddr)
		}
	}
}

// GotPltSection is the PLT's lazy-binding GOT: three reserved slots
// plus one per PLT entry.
type GotPltSection struct {
	Chunk
}

func NewGotPltSection() *GotPltSection {
	g := &GotPltSection{Chunk: NewChunk()}
	g.Name = ".got.plt"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	return g
}

func hasDynamicOutput(ctx *Context) bool {
	return len(ctx.Dsos) > 0 || ctx.Args.Shared || ctx.Args.Pic
}

func (g *GotPltSection) UpdateShdr(ctx *Context) {
	if len(ctx.Plt.Syms) == 0 && !hasDynamicOutput(ctx) {
		g.Shdr.Size = 0
		return
	}
	g.Shdr.Size = (3 + uint64(len(ctx.Plt.Syms))) * ctx.Arch.WordSize
}

func (g *GotPltSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[g.Shdr.Offset:]
	if ctx.Dynamic != nil {
		utils.Write[uint64](buf, ctx.Dynamic.Shdr.Addr)
	}
	for i, sym := range ctx.Plt.Syms {
		// Each lazy slot initially holds the address of its own PLT entry.
		utils.Write[uint64](buf[(3+i)*8:], sym.GetPltAddr(ctx))
	}
}

// PltSection holds every PLT entry not routed to .plt.got, canonical
// ones included; a canonical PLT entry's address is the symbol's
// definitive address in a non-PIC executable.
type PltSection struct {
	Chunk
	Syms []*Symbol
}

func NewPltSection() *PltSection {
	p := &PltSection{Chunk: NewChunk()}
	p.Name = ".plt"
	p.Shdr.Type = uint32(elf.SHT_PROGBITS)
	p.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	p.Shdr.AddrAlign = 16
	return p
}

func (p *PltSection) AddSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.GetPltIdx(ctx) == -1)
	sym.SetPltIdx(ctx, int32(len(p.Syms)))
	p.Syms = append(p.Syms, sym)
}

func (p *PltSection) UpdateShdr(ctx *Context) {
	if len(p.Syms) == 0 {
		p.Shdr.Size = 0
		return
	}
	p.Shdr.Size = ctx.Arch.PltHdrSize + uint64(len(p.Syms))*ctx.Arch.PltEntSize
}

// PltGotSection holds PLT entries for symbols that already have a GOT
// slot; the stub jumps through that slot, so no .got.plt entry exists.
type PltGotSection struct {
	Chunk
	Syms []*Symbol
}

func NewPltGotSection() *PltGotSection {
	p := &PltGotSection{Chunk: NewChunk()}
	p.Name = ".plt.got"
	p.Shdr.Type = uint32(elf.SHT_PROGBITS)
	p.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	p.Shdr.AddrAlign = 16
	return p
}

func (p *PltGotSection) AddSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.GetPltGotIdx(ctx) == -1)
	sym.SetPltGotIdx(ctx, int32(len(p.Syms)))
	p.Syms = append(p.Syms, sym)
}

func (p *PltGotSection) UpdateShdr(ctx *Context) {
	p.Shdr.Size = uint64(len(p.Syms)) * ctx.Arch.PltEntSize
}

// RelDynSection sizes .rela.dyn. IRELATIVE entries are written first
// so __rel_iplt_{start,end} can bracket them as a prefix.
type RelDynSection struct {
	Chunk
	NumRelativeRels atomic.Int64
}

func NewRelDynSection() *RelDynSection {
	r := &RelDynSection{Chunk: NewChunk()}
	r.Name = ".rela.dyn"
	r.Shdr.Type = uint32(elf.SHT_RELA)
	r.Shdr.Flags = uint64(elf.SHF_ALLOC)
	r.Shdr.AddrAlign = 8
	r.Shdr.EntSize = uint64(unsafe.Sizeof(Rela{}))
	return r
}

func (r *RelDynSection) NumEntries(ctx *Context) int64 {
	n := r.NumRelativeRels.Load()
	n += ctx.Got.NumIFuncSyms()
	for _, sym := range ctx.Got.GotSyms {
		if sym.IsImported {
			n++
		}
	}
	for _, sym := range ctx.Got.GotTpSyms {
		if sym.IsImported {
			n++
		}
	}
	for _, sym := range ctx.Got.TlsGdSyms {
		n++
		if sym.IsImported {
			n++
		}
	}
	n += int64(len(ctx.Got.TlsDescSyms))
	if ctx.Got.TlsLdIdx != -1 {
		n++
	}
	n += int64(len(ctx.Dynbss.Syms)) + int64(len(ctx.DynbssRelro.Syms))
	return n
}

func (r *RelDynSection) UpdateShdr(ctx *Context) {
	r.Shdr.Size = uint64(r.NumEntries(ctx)) * r.Shdr.EntSize
	if ctx.Dynsym != nil {
		r.Shdr.Link = uint32(ctx.Dynsym.Shndx)
	}
}

func (r *RelDynSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[r.Shdr.Offset:]
	pos := uint64(0)
	put := func(rel Rela) {
		utils.Write[Rela](buf[pos:], rel)
		pos += r.Shdr.EntSize
	}

	for _, sym := range ctx.Got.GotSyms {
		if sym.GetType() == STT_GNU_IFUNC {
			put(Rela{
				Offset: ctx.Got.Shdr.Addr + uint64(sym.GetGotIdx(ctx))*8,
				Type:   ctx.Arch.RIrelative,
				Addend: int64(sym.Value),
			})
		}
	}

	for _, sym := range ctx.Got.GotSyms {
		if sym.IsImported {
			put(Rela{
				Offset: ctx.Got.Shdr.Addr + uint64(sym.GetGotIdx(ctx))*8,
				Type:   ctx.Arch.RGlobDat,
				Sym:    uint32(sym.GetDynsymIdx(ctx)),
			})
		}
	}

	for _, sym := range ctx.Got.GotTpSyms {
		if sym.IsImported {
			put(Rela{
				Offset: ctx.Got.Shdr.Addr + uint64(sym.GetGotTpIdx(ctx))*8,
				Type:   ctx.Arch.RTpOff,
				Sym:    uint32(sym.GetDynsymIdx(ctx)),
			})
		}
	}

	for _, sym := range ctx.Got.TlsGdSyms {
		base := ctx.Got.Shdr.Addr + uint64(sym.GetTlsGdIdx(ctx))*8
		put(Rela{Offset: base, Type: ctx.Arch.RDtpMod, Sym: uint32(sym.GetDynsymIdx(ctx))})
		if sym.IsImported {
			put(Rela{Offset: base + 8, Type: ctx.Arch.RDtpOff, Sym: uint32(sym.GetDynsymIdx(ctx))})
		}
	}

	if ctx.Got.TlsLdIdx != -1 {
		put(Rela{
			Offset: ctx.Got.Shdr.Addr + uint64(ctx.Got.TlsLdIdx)*8,
			Type:   ctx.Arch.RDtpMod,
		})
	}

	for _, d := range []*DynbssSection{ctx.DynbssRelro, ctx.Dynbss} {
		for _, sym := range d.Syms {
			put(Rela{
				Offset: sym.GetAddr(ctx),
				Type:   ctx.Arch.RCopy,
				Sym:    uint32(sym.GetDynsymIdx(ctx)),
			})
		}
	}
}

type RelPltSection struct {
	Chunk
}

func NewRelPltSection() *RelPltSection {
	r := &RelPltSection{Chunk: NewChunk()}
	r.Name = ".rela.plt"
	r.Shdr.Type = uint32(elf.SHT_RELA)
	r.Shdr.Flags = uint64(elf.SHF_ALLOC)
	r.Shdr.AddrAlign = 8
	r.Shdr.EntSize = uint64(unsafe.Sizeof(Rela{}))
	return r
}

func (r *RelPltSection) UpdateShdr(ctx *Context) {
	r.Shdr.Size = uint64(len(ctx.Plt.Syms)) * r.Shdr.EntSize
	if ctx.Dynsym != nil {
		r.Shdr.Link = uint32(ctx.Dynsym.Shndx)
	}
	if ctx.GotPlt != nil {
		r.Shdr.Info = uint32(ctx.GotPlt.Shndx)
	}
}

func (r *RelPltSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[r.Shdr.Offset:]
	for i, sym := range ctx.Plt.Syms {
		utils.Write[Rela](buf[uint64(i)*r.Shdr.EntSize:], Rela{
			Offset: ctx.GotPlt.Shdr.Addr + uint64(3+i)*8,
			Type:   ctx.Arch.RJumpSlot,
			Sym:    uint32(sym.GetDynsymIdx(ctx)),
		})
	}
}

// DynsymSection accumulates the dynamic symbol table. Index 0 is the
// null symbol; slots are handed out in allocation order, which is
// deterministic.
type DynsymSection struct {
	Chunk
	Syms []*Symbol
}

func NewDynsymSection() *DynsymSection {
	d := &DynsymSection{Chunk: NewChunk(), Syms: []*Symbol{nil}}
	d.Name = ".dynsym"
	d.Shdr.Type = uint32(elf.SHT_DYNSYM)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.Shdr.AddrAlign = 8
	d.Shdr.EntSize = uint64(unsafe.Sizeof(Sym{}))
	d.Shdr.Info = 1
	return d
}

func (d *DynsymSection) AddSymbol(ctx *Context, sym *Symbol) {
	if sym.GetDynsymIdx(ctx) != -1 {
		return
	}
	sym.SetDynsymIdx(ctx, int32(len(d.Syms)))
	d.Syms = append(d.Syms, sym)
	ctx.Dynstr.AddString(sym.Name)
}

func (d *DynsymSection) UpdateShdr(ctx *Context) {
	if len(d.Syms) == 1 && !hasDynamicOutput(ctx) {
		d.Shdr.Size = 0
		return
	}
	d.Shdr.Size = uint64(len(d.Syms)) * d.Shdr.EntSize
	if ctx.Dynstr != nil {
		d.Shdr.Link = uint32(ctx.Dynstr.Shndx)
	}
}

func (d *DynsymSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[d.Shdr.Offset:]
	utils.Write[Sym](buf, Sym{})

	for i := 1; i < len(d.Syms); i++ {
		sym := d.Syms[i]
		esym := Sym{Name: ctx.Dynstr.GetOffset(sym.Name)}

		if sym.File != nil && sym.SymIdx >= 0 {
			src := sym.ElfSym()
			esym.Info = src.Info
			esym.Size = src.Size
		}

		if sym.IsImported && !sym.HasCopyrel && (sym.GetPltIdx(ctx) == -1 || ctx.Args.Pic) {
			esym.Shndx = uint16(elf.SHN_UNDEF)
		} else if sym.IsImported && sym.GetPltIdx(ctx) != -1 {
			// Canonical PLT: the entry's address is the symbol.
			esym.Shndx = uint16(ctx.Plt.Shndx)
			esym.Val = sym.GetPltAddr(ctx)
		} else {
			esym.Val = sym.GetAddr(ctx)
			if osec := symOutputSection(sym); osec != nil {
				esym.Shndx = uint16(osec.GetShndx())
			} else if sym.HasCopyrel {
				if sym.CopyrelReadonly {
					esym.Shndx = uint16(ctx.DynbssRelro.Shndx)
				} else {
					esym.Shndx = uint16(ctx.Dynbss.Shndx)
				}
			} else {
				esym.Shndx = uint16(elf.SHN_ABS)
			}
		}

		utils.Write[Sym](buf[uint64(i)*d.Shdr.EntSize:], esym)
	}
}

func symOutputSection(sym *Symbol) Chunker {
	if sym.InputSection != nil {
		return sym.InputSection.OutputSection
	}
	if sym.SectionFragment != nil {
		return sym.SectionFragment.OutputSection
	}
	if sym.OutputSection != nil {
		return sym.OutputSection
	}
	return nil
}

// DynstrSection interns dynamic strings; offset 0 is the empty string.
type DynstrSection struct {
	Chunk
	Contents []byte
	offsets  map[string]uint32
}

func NewDynstrSection() *DynstrSection {
	d := &DynstrSection{
		Chunk:    NewChunk(),
		Contents: []byte{0},
		offsets:  map[string]uint32{"": 0},
	}
	d.Name = ".dynstr"
	d.Shdr.Type = uint32(elf.SHT_STRTAB)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.Shdr.AddrAlign = 1
	return d
}

func (d *DynstrSection) AddString(s string) uint32 {
	if off, ok := d.offsets[s]; ok {
		return off
	}
	off := uint32(len(d.Contents))
	d.offsets[s] = off
	d.Contents = append(d.Contents, s...)
	d.Contents = append(d.Contents, 0)
	return off
}

func (d *DynstrSection) GetOffset(s string) uint32 {
	return d.offsets[s]
}

func (d *DynstrSection) UpdateShdr(ctx *Context) {
	if len(d.Contents) == 1 && !hasDynamicOutput(ctx) {
		d.Shdr.Size = 0
		return
	}
	d.Shdr.Size = uint64(len(d.Contents))
}

func (d *DynstrSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[d.Shdr.Offset:], d.Contents)
}

// SymtabSection and StrtabSection hold the static symbol table; the
// contents are assembled once during UpdateShdr.
type SymtabSection struct {
	Chunk
	entries []Sym
}

func NewSymtabSection() *SymtabSection {
	s := &SymtabSection{Chunk: NewChunk()}
	s.Name = ".symtab"
	s.Shdr.Type = uint32(elf.SHT_SYMTAB)
	s.Shdr.AddrAlign = 8
	s.Shdr.EntSize = uint64(unsafe.Sizeof(Sym{}))
	return s
}

func (s *SymtabSection) UpdateShdr(ctx *Context) {
	s.entries = s.entries[:0]
	s.entries = append(s.entries, Sym{})

	for _, file := range ctx.Objs {
		for _, sym := range file.GetGlobalSyms() {
			if sym.File != file || sym.Name == "" {
				continue
			}
			esym := Sym{
				Name: ctx.Strtab.AddString(sym.Name),
				Val:  sym.GetAddr(ctx),
			}
			if sym.SymIdx >= 0 {
				src := sym.ElfSym()
				esym.Info = src.Info
				esym.Size = src.Size
			}
			if osec := symOutputSection(sym); osec != nil {
				esym.Shndx = uint16(osec.GetShndx())
			} else {
				esym.Shndx = uint16(elf.SHN_ABS)
			}
			s.entries = append(s.entries, esym)
		}
	}

	s.Shdr.Size = uint64(len(s.entries)) * s.Shdr.EntSize
	s.Shdr.Info = 1
	if ctx.Strtab != nil {
		s.Shdr.Link = uint32(ctx.Strtab.Shndx)
	}
}

func (s *SymtabSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.Shdr.Offset:]
	for i, esym := range s.entries {
		utils.Write[Sym](buf[uint64(i)*s.Shdr.EntSize:], esym)
	}
}

type StrtabSection struct {
	Chunk
	Contents []byte
	offsets  map[string]uint32
}

func NewStrtabSection() *StrtabSection {
	s := &StrtabSection{
		Chunk:    NewChunk(),
		Contents: []byte{0},
		offsets:  map[string]uint32{"": 0},
	}
	s.Name = ".strtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	s.Shdr.AddrAlign = 1
	return s
}

func (s *StrtabSection) AddString(str string) uint32 {
	if off, ok := s.offsets[str]; ok {
		return off
	}
	off := uint32(len(s.Contents))
	s.offsets[str] = off
	s.Contents = append(s.Contents, str...)
	s.Contents = append(s.Contents, 0)
	return off
}

func (s *StrtabSection) UpdateShdr(ctx *Context) {
	s.Shdr.Size = uint64(len(s.Contents))
}

func (s *StrtabSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.Shdr.Offset:], s.Contents)
}

type ShstrtabSection struct {
	Chunk
}

func NewShstrtabSection() *ShstrtabSection {
	s := &ShstrtabSection{Chunk: NewChunk()}
	s.Name = ".shstrtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	s.Shdr.AddrAlign = 1
	return s
}

func (s *ShstrtabSection) UpdateShdr(ctx *Context) {
	size := uint64(1)
	for _, chunk := range ctx.Chunks {
		if chunk.GetShndx() > 0 && chunk.GetName() != "" {
			chunk.GetShdr().Name = uint32(size)
			size += uint64(len(chunk.GetName())) + 1
		}
	}
	s.Shdr.Size = size
}

func (s *ShstrtabSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[s.Shdr.Offset:]
	base[0] = 0
	for _, chunk := range ctx.Chunks {
		if chunk.GetShndx() > 0 && chunk.GetName() != "" {
			writeString(base[chunk.GetShdr().Name:], chunk.GetName())
		}
	}
}

// DynbssSection reserves copy-relocation space. The read-only variant
// lands in the RELRO segment.
type DynbssSection struct {
	Chunk
	Syms []*Symbol
}

func NewDynbssSection(relro bool) *DynbssSection {
	d := &DynbssSection{Chunk: NewChunk()}
	if relro {
		d.Name = ".dynbss.rel.ro"
	} else {
		d.Name = ".dynbss"
	}
	d.Shdr.Type = uint32(elf.SHT_NOBITS)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	d.Shdr.AddrAlign = 64
	return d
}

func (d *DynbssSection) AddSymbol(ctx *Context, sym *Symbol) {
	if sym.HasCopyrel {
		return
	}
	sym.HasCopyrel = true

	size := sym.ElfSym().Size
	offset := utils.AlignTo(d.Shdr.Size, 8)
	sym.Value = offset
	d.Shdr.Size = offset + size
	d.Syms = append(d.Syms, sym)
}

type InterpSection struct {
	Chunk
}

func NewInterpSection() *InterpSection {
	i := &InterpSection{Chunk: NewChunk()}
	i.Name = ".interp"
	i.Shdr.Type = uint32(elf.SHT_PROGBITS)
	i.Shdr.Flags = uint64(elf.SHF_ALLOC)
	i.Shdr.AddrAlign = 1
	return i
}

func (i *InterpSection) UpdateShdr(ctx *Context) {
	i.Shdr.Size = uint64(len(ctx.Args.DynamicLinker)) + 1
}

func (i *InterpSection) CopyBuf(ctx *Context) {
	writeString(ctx.Buf[i.Shdr.Offset:], ctx.Args.DynamicLinker)
}

// DynamicSection emits the .dynamic tag vector.
type DynamicSection struct {
	Chunk
	entries []Dyn
}

func NewDynamicSection() *DynamicSection {
	d := &DynamicSection{Chunk: NewChunk()}
	d.Name = ".dynamic"
	d.Shdr.Type = uint32(elf.SHT_DYNAMIC)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	d.Shdr.AddrAlign = 8
	d.Shdr.EntSize = uint64(unsafe.Sizeof(Dyn{}))
	return d
}

func (d *DynamicSection) buildEntries(ctx *Context) []Dyn {
	var vec []Dyn
	put := func(tag int64, val uint64) {
		vec = append(vec, Dyn{Tag: tag, Val: val})
	}

	for _, dso := range ctx.Dsos {
		put(int64(elf.DT_NEEDED), uint64(ctx.Dynstr.AddString(dso.Soname)))
	}

	if ctx.Args.Shared && ctx.Args.Soname != "" {
		put(int64(elf.DT_SONAME), uint64(ctx.Dynstr.AddString(ctx.Args.Soname)))
	}

	if ctx.RelDyn.Shdr.Size > 0 {
		put(int64(elf.DT_RELA), ctx.RelDyn.Shdr.Addr)
		put(int64(elf.DT_RELASZ), ctx.RelDyn.Shdr.Size)
		put(int64(elf.DT_RELAENT), ctx.RelDyn.Shdr.EntSize)
		if n := ctx.RelDyn.NumRelativeRels.Load(); n > 0 {
			put(DT_RELACOUNT, uint64(n))
		}
	}

	if len(ctx.Plt.Syms) > 0 {
		put(int64(elf.DT_JMPREL), ctx.RelPlt.Shdr.Addr)
		put(int64(elf.DT_PLTRELSZ), ctx.RelPlt.Shdr.Size)
		put(int64(elf.DT_PLTREL), uint64(elf.DT_RELA))
		put(int64(elf.DT_PLTGOT), ctx.GotPlt.Shdr.Addr)
	}

	put(int64(elf.DT_SYMTAB), ctx.Dynsym.Shdr.Addr)
	put(int64(elf.DT_SYMENT), ctx.Dynsym.Shdr.EntSize)
	put(int64(elf.DT_STRTAB), ctx.Dynstr.Shdr.Addr)
	put(int64(elf.DT_STRSZ), ctx.Dynstr.Shdr.Size)

	for _, chunk := range ctx.Chunks {
		switch chunk.GetShdr().Type {
		case uint32(elf.SHT_INIT_ARRAY):
			put(int64(elf.DT_INIT_ARRAY), chunk.GetShdr().Addr)
			put(int64(elf.DT_INIT_ARRAYSZ), chunk.GetShdr().Size)
		case uint32(elf.SHT_FINI_ARRAY):
			put(int64(elf.DT_FINI_ARRAY), chunk.GetShdr().Addr)
			put(int64(elf.DT_FINI_ARRAYSZ), chunk.GetShdr().Size)
		}
	}

	if ctx.Hash != nil && ctx.Hash.Shdr.Size > 0 {
		put(int64(elf.DT_HASH), ctx.Hash.Shdr.Addr)
	}
	if ctx.GnuHash != nil && ctx.GnuHash.Shdr.Size > 0 {
		put(DT_GNU_HASH, ctx.GnuHash.Shdr.Addr)
	}
	if ctx.Versym != nil && ctx.Versym.Shdr.Size > 0 {
		put(DT_VERSYM, ctx.Versym.Shdr.Addr)
	}
	if ctx.Verneed != nil && ctx.Verneed.Shdr.Size > 0 {
		put(DT_VERNEED, ctx.Verneed.Shdr.Addr)
		put(DT_VERNEEDNUM, uint64(ctx.Verneed.Shdr.Info))
	}
	if ctx.Verdef != nil && ctx.Verdef.Shdr.Size > 0 {
		put(DT_VERDEF, ctx.Verdef.Shdr.Addr)
		put(DT_VERDEFNUM, uint64(ctx.Verdef.Shdr.Info))
	}

	if !ctx.Args.Shared {
		put(int64(elf.DT_DEBUG), 0)
	}

	put(int64(elf.DT_NULL), 0)
	return vec
}

func (d *DynamicSection) UpdateShdr(ctx *Context) {
	// The dynamic section only exists for dynamic outputs.
	if len(ctx.Dsos) == 0 && !ctx.Args.Shared {
		d.Shdr.Size = 0
		return
	}
	d.entries = d.buildEntries(ctx)
	d.Shdr.Size = uint64(len(d.entries)) * d.Shdr.EntSize
	if ctx.Dynstr != nil {
		d.Shdr.Link = uint32(ctx.Dynstr.Shndx)
	}
}

func (d *DynamicSection) CopyBuf(ctx *Context) {
	if d.Shdr.Size == 0 {
		return
	}
	// Rebuild with the final addresses; the entry count is unchanged.
	d.entries = d.buildEntries(ctx)
	buf := ctx.Buf[d.Shdr.Offset:]
	for i, dyn := range d.entries {
		utils.Write[Dyn](buf[uint64(i)*d.Shdr.EntSize:], dyn)
	}
}

// HashSection is the classic SysV hash table.
type HashSection struct {
	Chunk
}

func NewHashSection() *HashSection {
	h := &HashSection{Chunk: NewChunk()}
	h.Name = ".hash"
	h.Shdr.Type = uint32(elf.SHT_HASH)
	h.Shdr.Flags = uint64(elf.SHF_ALLOC)
	h.Shdr.AddrAlign = 4
	h.Shdr.EntSize = 4
	return h
}

func (h *HashSection) UpdateShdr(ctx *Context) {
	if ctx.Dynsym == nil || len(ctx.Dynsym.Syms) <= 1 {
		h.Shdr.Size = 0
		return
	}
	n := uint64(len(ctx.Dynsym.Syms))
	h.Shdr.Size = (2 + n + n) * 4
	h.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

func (h *HashSection) CopyBuf(ctx *Context) {
	n := uint32(len(ctx.Dynsym.Syms))
	buf := ctx.Buf[h.Shdr.Offset:]
	utils.Write[uint32](buf, n)      // nbuckets
	utils.Write[uint32](buf[4:], n)  // nchains
	buckets := buf[8 : 8+4*n]
	chains := buf[8+4*n : 8+8*n]
	for i := range buckets {
		buckets[i] = 0
	}
	for i := range chains {
		chains[i] = 0
	}

	for i := 1; i < int(n); i++ {
		sym := ctx.Dynsym.Syms[i]
		b := ElfHash(sym.Name) % n
		head := utils.Read[uint32](buckets[4*b:])
		utils.Write[uint32](chains[4*i:], head)
		utils.Write[uint32](buckets[4*b:], uint32(i))
	}
}

// GnuHashSection uses a single bucket so the chain is contiguous in
// dynsym order; correct for any symbol ordering, if not the fastest
// lookup layout.
type GnuHashSection struct {
	Chunk
}

func NewGnuHashSection() *GnuHashSection {
	h := &GnuHashSection{Chunk: NewChunk()}
	h.Name = ".gnu.hash"
	h.Shdr.Type = uint32(elf.SHT_GNU_HASH)
	h.Shdr.Flags = uint64(elf.SHF_ALLOC)
	h.Shdr.AddrAlign = 8
	return h
}

func (h *GnuHashSection) UpdateShdr(ctx *Context) {
	if ctx.Dynsym == nil || len(ctx.Dynsym.Syms) <= 1 {
		h.Shdr.Size = 0
		return
	}
	numExported := uint64(len(ctx.Dynsym.Syms) - 1)
	h.Shdr.Size = 16 + 8 + 4 + 4*numExported
	h.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

func (h *GnuHashSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[h.Shdr.Offset:]
	utils.Write[uint32](buf, 1)       // nbuckets
	utils.Write[uint32](buf[4:], 1)   // symndx
	utils.Write[uint32](buf[8:], 1)   // bloom size
	utils.Write[uint32](buf[12:], 0)  // bloom shift
	utils.Write[uint64](buf[16:], ^uint64(0))
	utils.Write[uint32](buf[24:], 1) // bucket 0 -> first exported sym

	syms := ctx.Dynsym.Syms
	for i := 1; i < len(syms); i++ {
		hash := GnuHash(syms[i].Name) &^ 1
		if i == len(syms)-1 {
			hash |= 1
		}
		utils.Write[uint32](buf[28+4*(i-1):], hash)
	}
}

// VersymSection parallels the dynamic symbol table with version
// indices.
type VersymSection struct {
	Chunk
}

func NewVersymSection() *VersymSection {
	v := &VersymSection{Chunk: NewChunk()}
	v.Name = ".gnu.version"
	v.Shdr.Type = SHT_GNU_VERSYM
	v.Shdr.Flags = uint64(elf.SHF_ALLOC)
	v.Shdr.AddrAlign = 2
	v.Shdr.EntSize = 2
	return v
}

func (v *VersymSection) UpdateShdr(ctx *Context) {
	if ctx.Dynsym == nil || len(ctx.Dynsym.Syms) <= 1 {
		v.Shdr.Size = 0
		return
	}
	v.Shdr.Size = uint64(len(ctx.Dynsym.Syms)) * 2
	v.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

func (v *VersymSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[v.Shdr.Offset:]
	utils.Write[uint16](buf, VER_NDX_LOCAL)
	for i := 1; i < len(ctx.Dynsym.Syms); i++ {
		ver := ctx.Dynsym.Syms[i].VerIdx
		if ver == VER_NDX_UNSPECIFIED {
			ver = VER_NDX_GLOBAL
		}
		utils.Write[uint16](buf[2*i:], ver)
	}
}

// VerneedSection records, per needed DSO, the version names this
// output binds to. Building it assigns the dynamic version indices of
// imported symbols.
type VerneedSection struct {
	Chunk
	Contents []byte
}

func NewVerneedSection() *VerneedSection {
	v := &VerneedSection{Chunk: NewChunk()}
	v.Name = ".gnu.version_r"
	v.Shdr.Type = SHT_GNU_VERNEED
	v.Shdr.Flags = uint64(elf.SHF_ALLOC)
	v.Shdr.AddrAlign = 8
	return v
}

func (v *VerneedSection) UpdateShdr(ctx *Context) {
	type need struct {
		dso   *SharedFile
		names []string
		idxs  []uint16
	}
	var needs []*need
	byDso := make(map[*SharedFile]*need)

	nextVer := VER_NDX_LAST_RESERVED + 1
	for i := 1; i < len(ctx.Dynsym.Syms); i++ {
		sym := ctx.Dynsym.Syms[i]
		if sym.File == nil || !sym.File.Base().IsDso || !sym.IsImported {
			continue
		}
		dso := sym.File.(*SharedFile)
		vs := dso.VersionString(int64(sym.SymIdx))
		if vs == "" {
			continue
		}

		rec := byDso[dso]
		if rec == nil {
			rec = &need{dso: dso}
			byDso[dso] = rec
			needs = append(needs, rec)
		}
		found := false
		for j, name := range rec.names {
			if name == vs {
				found = true
				sym.VerIdx = rec.idxs[j]
				break
			}
		}
		if !found {
			rec.names = append(rec.names, vs)
			rec.idxs = append(rec.idxs, nextVer)
			sym.VerIdx = nextVer
			nextVer++
		}
	}

	if len(needs) == 0 {
		v.Contents = nil
		v.Shdr.Size = 0
		return
	}

	var out []byte
	for ni, rec := range needs {
		vn := Verneed{
			Version: 1,
			Cnt:     uint16(len(rec.names)),
			File:    ctx.Dynstr.AddString(rec.dso.Soname),
			Aux:     uint32(unsafe.Sizeof(Verneed{})),
		}
		if ni != len(needs)-1 {
			vn.Next = uint32(unsafe.Sizeof(Verneed{})) +
				uint32(len(rec.names))*uint32(unsafe.Sizeof(Vernaux{}))
		}
		hdr := make([]byte, unsafe.Sizeof(Verneed{}))
		utils.Write[Verneed](hdr, vn)
		out = append(out, hdr...)

		for ai, name := range rec.names {
			aux := Vernaux{
				Hash:  ElfHash(name),
				Other: rec.idxs[ai],
				Name:  ctx.Dynstr.AddString(name),
			}
			if ai != len(rec.names)-1 {
				aux.Next = uint32(unsafe.Sizeof(Vernaux{}))
			}
			bs := make([]byte, unsafe.Sizeof(Vernaux{}))
			utils.Write[Vernaux](bs, aux)
			out = append(out, bs...)
		}
	}

	v.Contents = out
	v.Shdr.Size = uint64(len(out))
	v.Shdr.Info = uint32(len(needs))
	v.Shdr.Link = uint32(ctx.Dynstr.Shndx)
}

func (v *VerneedSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[v.Shdr.Offset:], v.Contents)
}

// VerdefSection materializes Args.VersionDefinitions for a shared
// output.
type VerdefSection struct {
	Chunk
	Contents []byte
}

func NewVerdefSection() *VerdefSection {
	v := &VerdefSection{Chunk: NewChunk()}
	v.Name = ".gnu.version_d"
	v.Shdr.Type = SHT_GNU_VERDEF
	v.Shdr.Flags = uint64(elf.SHF_ALLOC)
	v.Shdr.AddrAlign = 8
	return v
}

func (v *VerdefSection) UpdateShdr(ctx *Context) {
	defs := ctx.Args.VersionDefinitions
	if !ctx.Args.Shared || len(defs) == 0 {
		v.Shdr.Size = 0
		return
	}

	var out []byte
	for i, name := range defs {
		vd := Verdef{
			Version: 1,
			Ndx:     uint16(i) + VER_NDX_LAST_RESERVED + 1,
			Cnt:     1,
			Hash:    ElfHash(name),
			Aux:     uint32(unsafe.Sizeof(Verdef{})),
		}
		if i != len(defs)-1 {
			vd.Next = uint32(unsafe.Sizeof(Verdef{})) + uint32(unsafe.Sizeof(Verdaux{}))
		}
		hdr := make([]byte, unsafe.Sizeof(Verdef{}))
		utils.Write[Verdef](hdr, vd)
		out = append(out, hdr...)

		aux := Verdaux{Name: ctx.Dynstr.AddString(name)}
		bs := make([]byte, unsafe.Sizeof(Verdaux{}))
		utils.Write[Verdaux](bs, aux)
		out = append(out, bs...)
	}

	v.Contents = out
	v.Shdr.Size = uint64(len(out))
	v.Shdr.Info = uint32(len(defs))
	v.Shdr.Link = uint32(ctx.Dynstr.Shndx)
}

func (v *VerdefSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[v.Shdr.Offset:], v.Contents)
}

// EhFrameSection concatenates the input .eh_frame data; unwinding
// dedup is left to consumers of the raw frames.
type EhFrameSection struct {
	Chunk
	members []*InputSection
}

func NewEhFrameSection() *EhFrameSection {
	e := &EhFrameSection{Chunk: NewChunk()}
	e.Name = ".eh_frame"
	e.Shdr.Type = uint32(elf.SHT_PROGBITS)
	e.Shdr.Flags = uint64(elf.SHF_ALLOC)
	e.Shdr.AddrAlign = 8
	return e
}

func (e *EhFrameSection) UpdateShdr(ctx *Context) {
	e.members = e.members[:0]
	size := uint64(0)
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec != nil && isec.Name() == ".eh_frame" {
				size = utils.AlignTo(size, 1<<isec.P2Align)
				isec.Offset = uint32(size)
				size += uint64(isec.ShSize)
				e.members = append(e.members, isec)
			}
		}
	}
	e.Shdr.Size = size
}

func (e *EhFrameSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[e.Shdr.Offset:]
	for _, isec := range e.members {
		copy(buf[isec.Offset:], isec.Contents)
	}
}

type EhFrameHdrSection struct {
	Chunk
}

func NewEhFrameHdrSection() *EhFrameHdrSection {
	e := &EhFrameHdrSection{Chunk: NewChunk()}
	e.Name = ".eh_frame_hdr"
	e.Shdr.Type = uint32(elf.SHT_PROGBITS)
	e.Shdr.Flags = uint64(elf.SHF_ALLOC)
	e.Shdr.AddrAlign = 4
	e.Shdr.Size = 8
	return e
}

// NotePropertySection carries the AND of the inputs' GNU property
// bits; absent bits in any input clear the output bit.
type NotePropertySection struct {
	Chunk
	features uint32
}

func NewNotePropertySection() *NotePropertySection {
	n := &NotePropertySection{Chunk: NewChunk()}
	n.Name = ".note.gnu.property"
	n.Shdr.Type = uint32(elf.SHT_NOTE)
	n.Shdr.Flags = uint64(elf.SHF_ALLOC)
	n.Shdr.AddrAlign = 8
	return n
}

func (n *NotePropertySection) UpdateShdr(ctx *Context) {
	n.features = ^uint32(0)
	for _, file := range ctx.Objs {
		if file != ctx.InternalObj {
			n.features &= file.Features
		}
	}
	if n.features == 0 || n.features == ^uint32(0) {
		n.Shdr.Size = 0
		return
	}
	n.Shdr.Size = 32
}

type BuildIdSection struct {
	Chunk
}

func NewBuildIdSection() *BuildIdSection {
	b := &BuildIdSection{Chunk: NewChunk()}
	b.Name = ".note.gnu.build-id"
	b.Shdr.Type = uint32(elf.SHT_NOTE)
	b.Shdr.Flags = uint64(elf.SHF_ALLOC)
	b.Shdr.AddrAlign = 4
	b.Shdr.Size = 16 + 20
	return b
}

// ReproSection embeds the command line so a failing link can be
// replayed.
type ReproSection struct {
	Chunk
}

func NewReproSection() *ReproSection {
	r := &ReproSection{Chunk: NewChunk()}
	r.Name = ".repro"
	r.Shdr.Type = uint32(elf.SHT_PROGBITS)
	r.Shdr.AddrAlign = 1
	return r
}

func (r *ReproSection) UpdateShdr(ctx *Context) {
	r.Shdr.Size = uint64(len(strings.Join(ctx.CmdLine, "\n"))) + 1
}

func (r *ReproSection) CopyBuf(ctx *Context) {
	writeString(ctx.Buf[r.Shdr.Offset:], strings.Join(ctx.CmdLine, "\n"))
}
