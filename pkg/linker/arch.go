package linker

import "debug/elf"

// RelKind is the abstract class a relocation falls into. The scanner
// and the relocation-requirement logic only ever see these classes;
// raw opcodes stay inside the per-arch tables below.
type RelKind uint8

const (
	RelNone RelKind = iota
	RelAbs
	RelPCRel
	RelCall
	RelGot
	RelGotTp
	RelTlsGd
	RelTlsDesc
	RelTlsLd
)

// Arch is the capability set handed through the pipeline: word size,
// page size, REL vs RELA, PLT geometry and the relocation
// classification table.
type Arch struct {
	Machine  MachineType
	EMachine uint16

	WordSize uint64
	PageSize uint64
	IsRel    bool
	RelSize  uint64

	PltHdrSize uint64
	PltEntSize uint64

	// Dynamic relocation opcodes the output tables are written with.
	RCopy      uint32
	RGlobDat   uint32
	RJumpSlot  uint32
	RRelative  uint32
	RIrelative uint32
	RDtpMod    uint32
	RDtpOff    uint32
	RTpOff     uint32

	relKinds map[uint32]RelKind
}

func (a *Arch) RelKind(typ uint32) RelKind {
	return a.relKinds[typ]
}

var ArchX86_64 = &Arch{
	Machine:    MachineTypeX86_64,
	EMachine:   uint16(elf.EM_X86_64),
	WordSize:   8,
	PageSize:   4096,
	RelSize:    24,
	PltHdrSize: 16,
	PltEntSize: 16,
	RCopy:      uint32(elf.R_X86_64_COPY),
	RGlobDat:   uint32(elf.R_X86_64_GLOB_DAT),
	RJumpSlot:  uint32(elf.R_X86_64_JMP_SLOT),
	RRelative:  uint32(elf.R_X86_64_RELATIVE),
	RIrelative: uint32(elf.R_X86_64_IRELATIVE),
	RDtpMod:    uint32(elf.R_X86_64_DTPMOD64),
	RDtpOff:    uint32(elf.R_X86_64_DTPOFF64),
	RTpOff:     uint32(elf.R_X86_64_TPOFF64),
	relKinds: map[uint32]RelKind{
		uint32(elf.R_X86_64_64):              RelAbs,
		uint32(elf.R_X86_64_32):              RelAbs,
		uint32(elf.R_X86_64_32S):             RelAbs,
		uint32(elf.R_X86_64_PC32):            RelPCRel,
		uint32(elf.R_X86_64_PC64):            RelPCRel,
		uint32(elf.R_X86_64_PLT32):           RelCall,
		uint32(elf.R_X86_64_GOT32):           RelGot,
		uint32(elf.R_X86_64_GOTPCREL):        RelGot,
		uint32(elf.R_X86_64_GOTPCRELX):       RelGot,
		uint32(elf.R_X86_64_REX_GOTPCRELX):   RelGot,
		uint32(elf.R_X86_64_GOTTPOFF):        RelGotTp,
		uint32(elf.R_X86_64_TLSGD):           RelTlsGd,
		uint32(elf.R_X86_64_TLSLD):           RelTlsLd,
		uint32(elf.R_X86_64_GOTPC32_TLSDESC): RelTlsDesc,
	},
}

var ArchAArch64 = &Arch{
	Machine:    MachineTypeAArch64,
	EMachine:   uint16(elf.EM_AARCH64),
	WordSize:   8,
	PageSize:   65536,
	RelSize:    24,
	PltHdrSize: 32,
	PltEntSize: 16,
	RCopy:      uint32(elf.R_AARCH64_COPY),
	RGlobDat:   uint32(elf.R_AARCH64_GLOB_DAT),
	RJumpSlot:  uint32(elf.R_AARCH64_JUMP_SLOT),
	RRelative:  uint32(elf.R_AARCH64_RELATIVE),
	RIrelative: uint32(elf.R_AARCH64_IRELATIVE),
	RDtpMod:    uint32(elf.R_AARCH64_TLS_DTPMOD64),
	RDtpOff:    uint32(elf.R_AARCH64_TLS_DTPREL64),
	RTpOff:     uint32(elf.R_AARCH64_TLS_TPREL64),
	relKinds: map[uint32]RelKind{
		uint32(elf.R_AARCH64_ABS64):                    RelAbs,
		uint32(elf.R_AARCH64_ABS32):                    RelAbs,
		uint32(elf.R_AARCH64_PREL32):                   RelPCRel,
		uint32(elf.R_AARCH64_CALL26):                   RelCall,
		uint32(elf.R_AARCH64_JUMP26):                   RelCall,
		uint32(elf.R_AARCH64_ADR_GOT_PAGE):             RelGot,
		uint32(elf.R_AARCH64_LD64_GOT_LO12_NC):         RelGot,
		uint32(elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21): RelGotTp,
		uint32(elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC): RelGotTp,
		uint32(elf.R_AARCH64_TLSGD_ADR_PAGE21):         RelTlsGd,
		uint32(elf.R_AARCH64_TLSGD_ADD_LO12_NC):        RelTlsGd,
		uint32(elf.R_AARCH64_TLSDESC_ADR_PAGE21):       RelTlsDesc,
		uint32(elf.R_AARCH64_TLSDESC_LD64_LO12_NC):     RelTlsDesc,
		uint32(elf.R_AARCH64_TLSDESC_ADD_LO12_NC):      RelTlsDesc,
	},
}

var ArchRISCV64 = &Arch{
	Machine:    MachineTypeRISCV64,
	EMachine:   uint16(elf.EM_RISCV),
	WordSize:   8,
	PageSize:   4096,
	RelSize:    24,
	PltHdrSize: 32,
	PltEntSize: 16,
	RCopy:      uint32(elf.R_RISCV_COPY),
	RGlobDat:   uint32(elf.R_RISCV_64),
	RJumpSlot:  uint32(elf.R_RISCV_JUMP_SLOT),
	RRelative:  uint32(elf.R_RISCV_RELATIVE),
	RIrelative: 58,
	RDtpMod:    uint32(elf.R_RISCV_TLS_DTPMOD64),
	RDtpOff:    uint32(elf.R_RISCV_TLS_DTPREL64),
	RTpOff:     uint32(elf.R_RISCV_TLS_TPREL64),
	relKinds: map[uint32]RelKind{
		uint32(elf.R_RISCV_64):           RelAbs,
		uint32(elf.R_RISCV_32):           RelAbs,
		uint32(elf.R_RISCV_32_PCREL):     RelPCRel,
		uint32(elf.R_RISCV_CALL):         RelCall,
		uint32(elf.R_RISCV_CALL_PLT):     RelCall,
		uint32(elf.R_RISCV_GOT_HI20):     RelGot,
		uint32(elf.R_RISCV_TLS_GOT_HI20): RelGotTp,
		uint32(elf.R_RISCV_TLS_GD_HI20):  RelTlsGd,
	},
}

func GetArch(mt MachineType) *Arch {
	switch mt {
	case MachineTypeX86_64:
		return ArchX86_64
	case MachineTypeAArch64:
		return ArchAArch64
	case MachineTypeRISCV64:
		return ArchRISCV64
	}
	return nil
}
