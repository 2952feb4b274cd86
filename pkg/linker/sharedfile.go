package linker

import (
	"debug/elf"
	"path/filepath"
	"unsafe"

	"github.com/ksora/weld/pkg/utils"
)

// SharedFile is a DSO input. Its dynamic symbol table contributes
// DSO-rank definitions. The file starts alive unless --as-needed is
// set; an --as-needed file only joins the link once a strong undefined
// reference from a live object (or live DSO) resolves to it.
type SharedFile struct {
	InputFile

	Soname string

	// Version names from .gnu.version_d, indexed by version index.
	VersionStrings []string

	// Per-dynsym version indices from .gnu.version.
	Versyms []uint16
}

func NewSharedFile(ctx *Context, file *File) *SharedFile {
	f := &SharedFile{}
	utils.MustNo(initInputFile(&f.InputFile, file))
	f.IsDso = true
	f.IsAlive.Store(!ctx.Args.AsNeeded)
	return f
}

func (f *SharedFile) parse(ctx *Context) {
	symtabSec := f.FindSection(uint32(elf.SHT_DYNSYM))
	if symtabSec != nil {
		f.FirstGlobal = int64(symtabSec.Info)
		f.FillUpElfSyms(symtabSec)
		f.SymbolStrtab = f.GetBytesFromIdx(int64(symtabSec.Link))
	}

	f.Soname = f.getSoname()
	f.Versyms = f.readVersyms()
	f.VersionStrings = f.readVerdefs()

	f.Symbols = make([]*Symbol, len(f.ElfSyms))
	for i := range f.ElfSyms {
		if int64(i) < f.FirstGlobal {
			f.Symbols[i] = NewSymbol("")
			continue
		}
		name := getName(f.SymbolStrtab, f.ElfSyms[i].Name)
		f.Symbols[i] = GetSymbolByName(ctx, name)
	}
}

func (f *SharedFile) getSoname() string {
	dynSec := f.FindSection(uint32(elf.SHT_DYNAMIC))
	if dynSec == nil {
		return filepath.Base(f.File.Name)
	}

	strtab := f.GetBytesFromIdx(int64(dynSec.Link))
	bs := f.GetBytesFromShdr(dynSec)
	for len(bs) >= int(unsafe.Sizeof(Dyn{})) {
		dyn := utils.Read[Dyn](bs)
		bs = bs[unsafe.Sizeof(Dyn{}):]
		if dyn.Tag == int64(elf.DT_SONAME) {
			return getName(strtab, uint32(dyn.Val))
		}
	}
	return filepath.Base(f.File.Name)
}

func (f *SharedFile) readVersyms() []uint16 {
	sec := f.FindSection(SHT_GNU_VERSYM)
	if sec == nil {
		return nil
	}

	bs := f.GetBytesFromShdr(sec)
	versyms := make([]uint16, 0, len(bs)/2)
	for len(bs) >= 2 {
		versyms = append(versyms, utils.Read[uint16](bs))
		bs = bs[2:]
	}
	return versyms
}

func (f *SharedFile) readVerdefs() []string {
	sec := f.FindSection(SHT_GNU_VERDEF)
	if sec == nil {
		return nil
	}

	strtab := f.GetBytesFromIdx(int64(sec.Link))
	bs := f.GetBytesFromShdr(sec)

	names := make([]string, VER_NDX_LAST_RESERVED+1)
	pos := uint32(0)
	for i := uint32(0); i < sec.Info; i++ {
		vd := utils.Read[Verdef](bs[pos:])
		aux := utils.Read[Verdaux](bs[pos+vd.Aux:])
		for int(vd.Ndx) >= len(names) {
			names = append(names, "")
		}
		names[vd.Ndx] = getName(strtab, aux.Name)
		if vd.Next == 0 {
			break
		}
		pos += vd.Next
	}
	return names
}

// VersionString returns the version name a dynsym is bound to, or ""
// for unversioned symbols.
func (f *SharedFile) VersionString(idx int64) string {
	if f.Versyms == nil || idx >= int64(len(f.Versyms)) {
		return ""
	}
	ver := f.Versyms[idx] &^ VERSYM_HIDDEN
	if ver <= VER_NDX_LAST_RESERVED || int(ver) >= len(f.VersionStrings) {
		return ""
	}
	return f.VersionStrings[ver]
}

// ResolveDsoSymbols installs the DSO's definitions at DSO rank.
// Hidden (non-default) versioned symbols never compete.
func (f *SharedFile) ResolveDsoSymbols(ctx *Context) {
	for i := f.FirstGlobal; i < int64(len(f.ElfSyms)); i++ {
		esym := &f.ElfSyms[i]
		if esym.IsUndef() {
			continue
		}
		if f.Versyms != nil && i < int64(len(f.Versyms)) &&
			f.Versyms[i]&VERSYM_HIDDEN != 0 {
			continue
		}

		sym := f.Symbols[i]
		sym.Mu.Lock()
		if GetRank(&f.InputFile, esym, false) < sym.GetRank() {
			sym.File = f
			sym.InputSection = nil
			sym.OutputSection = nil
			sym.SectionFragment = nil
			sym.Value = esym.Val
			sym.SymIdx = int32(i)
			sym.VerIdx = ctx.DefaultVersion
			sym.IsWeak = esym.IsWeak()
			sym.IsImported = false
			sym.IsExported = false
		}
		sym.Mu.Unlock()
	}
}

// FindAliases returns the other defined dynsyms sharing sym's address.
// All aliases of a copy-relocated symbol must move together.
func (f *SharedFile) FindAliases(sym *Symbol) []*Symbol {
	var aliases []*Symbol
	for i := f.FirstGlobal; i < int64(len(f.ElfSyms)); i++ {
		esym := &f.ElfSyms[i]
		other := f.Symbols[i]
		if other == sym || esym.IsUndef() || esym.IsAbs() {
			continue
		}
		if other.File == f && esym.Val == sym.ElfSym().Val {
			aliases = append(aliases, other)
		}
	}
	return aliases
}

// IsReadonly reports whether the DSO defines sym in a read-only
// segment; that decides between .dynbss.rel.ro and .dynbss.
func (f *SharedFile) IsReadonly(sym *Symbol) bool {
	val := sym.ElfSym().Val
	for i := range f.ElfSections {
		shdr := &f.ElfSections[i]
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		if shdr.Addr <= val && val < shdr.Addr+shdr.Size {
			return shdr.Flags&uint64(elf.SHF_WRITE) == 0
		}
	}
	return false
}

// ClearSymbols reverts globals still owned by this dead DSO.
func (f *SharedFile) ClearSymbols() {
	for _, sym := range f.GetGlobalSyms() {
		sym.Mu.Lock()
		if sym.File == f {
			sym.Clear()
		}
		sym.Mu.Unlock()
	}
}
