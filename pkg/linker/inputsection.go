package linker

import (
	"debug/elf"
	"math"
	"unsafe"

	"github.com/ksora/weld/pkg/utils"
)

type InputSection struct {
	File          *ObjectFile
	OutputSection *OutputSection
	Contents      []byte
	Offset        uint32
	Shndx         uint32
	RelsecIdx     uint32
	ShSize        uint32
	IsAlive       bool
	P2Align       uint8
	Rels          []Rela
}

func NewInputSection(
	ctx *Context, file *ObjectFile, name string, shndx int64,
) *InputSection {
	s := &InputSection{
		Offset:    math.MaxUint32,
		Shndx:     math.MaxUint32,
		RelsecIdx: math.MaxUint32,
		ShSize:    math.MaxUint32,
		IsAlive:   true,
	}
	s.File = file
	s.Shndx = uint32(shndx)

	shdr := s.Shdr()
	if shdr.Type != uint32(elf.SHT_NOBITS) {
		s.Contents = file.File.Contents[shdr.Offset : shdr.Offset+shdr.Size]
	}

	toP2Align := func(alignment uint64) int64 {
		if alignment == 0 {
			return 0
		}
		return int64(utils.CountrZero[uint64](alignment))
	}

	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 {
		chdr := s.Chdr()
		s.ShSize = uint32(chdr.Size)
		s.P2Align = uint8(toP2Align(chdr.AddrAlign))
	} else {
		s.ShSize = uint32(shdr.Size)
		s.P2Align = uint8(toP2Align(shdr.AddrAlign))
	}

	s.OutputSection =
		GetOutputSectionInstance(ctx, name, uint64(shdr.Type), shdr.Flags)

	return s
}

func (s *InputSection) Shdr() *Shdr {
	if s.Shndx < uint32(len(s.File.ElfSections)) {
		return &s.File.ElfSections[s.Shndx]
	}

	utils.Fatal("unreachable")
	return nil
}

func (s *InputSection) Chdr() Chdr {
	return utils.Read[Chdr](s.Contents)
}

func (s *InputSection) GetAddr() uint64 {
	return s.OutputSection.Shdr.Addr + uint64(s.Offset)
}

func (s *InputSection) Name() string {
	if uint32(len(s.File.ElfSections)) <= s.Shndx {
		return ".common"
	}
	return getName(s.File.ShStrtab, s.File.ElfSections[s.Shndx].Name)
}

func (s *InputSection) GetRels() []Rela {
	if s.RelsecIdx == math.MaxUint32 || s.Rels != nil {
		return s.Rels
	}

	bs := s.File.GetBytesFromShdr(&s.File.InputFile.ElfSections[s.RelsecIdx])
	nums := len(bs) / int(unsafe.Sizeof(Rela{}))
	s.Rels = make([]Rela, 0, nums)
	for nums > 0 {
		s.Rels = append(s.Rels, utils.Read[Rela](bs))
		bs = bs[unsafe.Sizeof(Rela{}):]
		nums--
	}

	return s.Rels
}

// ScanRelocations accumulates requirement bits on every referenced
// symbol. The classification of each relocation comes from the arch
// descriptor; what a class demands additionally depends on whether the
// winning definition is imported and on the output mode.
func (s *InputSection) ScanRelocations(ctx *Context) {
	utils.Assert(s.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0)

	for _, rel := range s.GetRels() {
		kind := ctx.Arch.RelKind(rel.Type)
		if kind == RelNone {
			continue
		}

		sym := s.File.Symbols[rel.Sym]
		if sym == nil || sym.File == nil {
			ctx.Errorf("undefined symbol: %s: %s", s.File.Name(), sym.Name)
			continue
		}

		sym.Mu.Lock()
		switch kind {
		case RelGot:
			sym.Flags |= NEEDS_GOT
		case RelGotTp:
			sym.Flags |= NEEDS_GOTTP
		case RelTlsGd:
			sym.Flags |= NEEDS_TLSGD
		case RelTlsDesc:
			sym.Flags |= NEEDS_TLSDESC
		case RelTlsLd:
			sym.Flags |= NEEDS_TLSLD
		case RelCall:
			if sym.IsImported {
				sym.Flags |= NEEDS_PLT
			}
		case RelAbs, RelPCRel:
			s.scanDataRel(ctx, sym, kind)
		}
		sym.Mu.Unlock()
	}
}

// scanDataRel handles address-taking relocations: an imported function
// needs a PLT (possibly canonical), an imported object needs a copy
// relocation in a non-PIC executable, and a PIC output turns absolute
// relocations against non-imported symbols into relative dynamic
// relocations. Caller holds sym.Mu.
func (s *InputSection) scanDataRel(ctx *Context, sym *Symbol, kind RelKind) {
	if sym.IsImported {
		if sym.GetType() == uint8(elf.STT_FUNC) {
			sym.Flags |= NEEDS_PLT
		} else if !ctx.Args.Pic {
			sym.Flags |= NEEDS_COPYREL
		}
		return
	}

	if kind == RelAbs && ctx.Args.Pic && !sym.ElfSym().IsAbs() && ctx.RelDyn != nil {
		ctx.RelDyn.NumRelativeRels.Add(1)
	}
}

func (s *InputSection) GetPriority() int64 {
	return (int64(s.File.Priority) << 32) | int64(s.Shndx)
}

func (s *InputSection) WriteTo(ctx *Context, buf []byte) {
	if s.Shdr().Type == uint32(elf.SHT_NOBITS) || s.ShSize == 0 {
		return
	}

	copy(buf, s.Contents)
}
