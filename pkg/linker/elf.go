package linker

import (
	"bytes"
	"debug/elf"
)

const SHF_EXCLUDE uint64 = 0x80000000
const SHT_LLVM_ADDRSIG uint32 = 0x6fff4c03
const SHT_GNU_VERSYM uint32 = 0x6fffffff
const SHT_GNU_VERNEED uint32 = 0x6ffffffe
const SHT_GNU_VERDEF uint32 = 0x6ffffffd

const VER_NDX_LOCAL uint16 = 0
const VER_NDX_GLOBAL uint16 = 1
const VER_NDX_LAST_RESERVED uint16 = 1
const VER_NDX_UNSPECIFIED uint16 = 0xffff
const VERSYM_HIDDEN uint16 = 0x8000

const STT_GNU_IFUNC uint8 = 10

const GRP_COMDAT uint32 = 1

// GNU dynamic tags not covered by debug/elf's classic set.
const (
	DT_GNU_HASH   int64 = 0x6ffffef5
	DT_RELACOUNT  int64 = 0x6ffffff9
	DT_VERSYM     int64 = 0x6ffffff0
	DT_VERDEF     int64 = 0x6ffffffc
	DT_VERDEFNUM  int64 = 0x6ffffffd
	DT_VERNEED    int64 = 0x6ffffffe
	DT_VERNEEDNUM int64 = 0x6fffffff
)

const (
	GNU_PROPERTY_X86_FEATURE_1_IBT   uint32 = 1 << 0
	GNU_PROPERTY_X86_FEATURE_1_SHSTK uint32 = 1 << 1
)

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsDefined() bool {
	return !s.IsUndef()
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsWeak() bool {
	return s.Bind() == uint8(elf.STB_WEAK)
}

func (s *Sym) IsUndefWeak() bool {
	return s.IsUndef() && s.IsWeak()
}

func (s *Sym) IsUndefStrong() bool {
	return s.IsUndef() && !s.IsWeak()
}

func (s *Sym) Type() uint8 {
	return s.Info & 0xf
}

func (s *Sym) SetType(typ uint8) {
	s.Info = (s.Info & 0xf0) | (typ & 0xf)
}

func (s *Sym) Bind() uint8 {
	return s.Info >> 4
}

func (s *Sym) SetBind(bind uint8) {
	s.Info = (s.Info & 0xf) | (bind << 4)
}

func (s *Sym) StVisibility() uint8 {
	return s.Other & 0b11
}

func (s *Sym) SetVisibility(v uint8) {
	s.Other = (s.Other & 0b11111100) | (v & 0b11)
}

type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

type Dyn struct {
	Tag int64
	Val uint64
}

type Chdr struct {
	Type      uint32
	Reserved  uint32
	Size      uint64
	AddrAlign uint64
}

// Verneed and Vernaux as they appear in .gnu.version_r.
type Verneed struct {
	Version uint16
	Cnt     uint16
	File    uint32
	Aux     uint32
	Next    uint32
}

type Vernaux struct {
	Hash  uint32
	Flags uint16
	Other uint16
	Name  uint32
	Next  uint32
}

type Verdef struct {
	Version uint16
	Flags   uint16
	Ndx     uint16
	Cnt     uint16
	Hash    uint32
	Aux     uint32
	Next    uint32
}

type Verdaux struct {
	Name uint32
	Next uint32
}

func ElfHash(name string) uint32 {
	h := uint32(0)
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &= ^g
	}
	return h
}

func GnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = (h << 5) + h + uint32(name[i])
	}
	return h
}

func getName(strTab []byte, offset uint32) string {
	length := bytes.Index(strTab[offset:], []byte{0})
	return string(strTab[offset : offset+uint32(length)])
}

func writeString(buf []byte, str string) int64 {
	copy(buf, str)
	buf[len(str)] = 0
	return int64(len(str)) + 1
}
