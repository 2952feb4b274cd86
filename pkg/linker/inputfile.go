package linker

import (
	"debug/elf"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/ksora/weld/pkg/utils"
)

// InputFiler is the uniform handle over object files and DSOs.
type InputFiler interface {
	Base() *InputFile
}

type InputFile struct {
	File         *File
	Symbols      []*Symbol
	ElfSections  []Shdr
	FirstGlobal  int64
	ShStrtab     []byte
	SymbolStrtab []byte

	ElfSyms []Sym
	Symvers []string

	IsAlive  atomic.Bool
	IsDso    bool
	Priority uint32

	// Bitset of GNU property notes (e.g. IBT, SHSTK) carried by the
	// file. -1 on the internal file so it never weakens the AND.
	Features uint32

	ArchiveName string

	LocalSyms []Symbol
	FragSyms  []Symbol
}

func (f *InputFile) Base() *InputFile {
	return f
}

// initInputFile fills f in place; the struct is embedded by value in
// ObjectFile and SharedFile and must not be copied once shared.
func initInputFile(f *InputFile, file *File) error {
	f.File = file
	if len(file.Contents) < int(unsafe.Sizeof(Ehdr{})) {
		return errors.Errorf("%s: file too small", file.Name)
	}
	if !CheckMagic(file.Contents) {
		return errors.Errorf("%s: not an ELF file", file.Name)
	}

	ehdr := utils.Read[Ehdr](file.Contents)

	contents := file.Contents[ehdr.ShOff:]
	shdr := utils.Read[Shdr](contents)

	numSections := int64(ehdr.ShNum)
	if numSections == 0 {
		numSections = int64(shdr.Size)
	}

	f.ElfSections = []Shdr{shdr}
	for numSections > 1 {
		contents = contents[unsafe.Sizeof(Shdr{}):]
		f.ElfSections = append(f.ElfSections, utils.Read[Shdr](contents))
		numSections--
	}

	shstrtabIdx := int64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrtabIdx = int64(shdr.Link)
	}

	f.ShStrtab = f.GetBytesFromIdx(shstrtabIdx)
	return nil
}

func (f *InputFile) Name() string {
	return f.File.Name
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) []byte {
	end := s.Offset + s.Size
	if uint64(len(f.File.Contents)) < end {
		utils.Fatal(errors.Errorf("%s: section header is out of range: %d", f.File.Name, s.Offset))
	}

	return f.File.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(idx int64) []byte {
	utils.Assert(idx < int64(len(f.ElfSections)))
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(s *Shdr) {
	bs := f.GetBytesFromShdr(s)
	nums := len(bs) / int(unsafe.Sizeof(Sym{}))
	elfSyms := make([]Sym, 0, nums)
	for nums > 0 {
		elfSyms = append(elfSyms, utils.Read[Sym](bs))
		bs = bs[unsafe.Sizeof(Sym{}):]
		nums--
	}

	f.ElfSyms = elfSyms
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		sec := &f.ElfSections[i]
		if sec.Type == ty {
			return sec
		}
	}
	return nil
}

func (f *InputFile) GetGlobalSyms() []*Symbol {
	return f.Symbols[f.FirstGlobal:]
}

func (f *InputFile) GetEhdr() Ehdr {
	return utils.Read[Ehdr](f.File.Contents)
}
