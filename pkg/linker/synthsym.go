package linker

import (
	"debug/elf"
	"strconv"
	"strings"
	"unsafe"
)

// parseDefsymAddr parses the RHS of --defsym=name=expr when it is a
// hex or decimal literal. A non-literal RHS names another symbol.
func parseDefsymAddr(s string) (uint64, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		val, err := strconv.ParseUint(s[2:], 16, 64)
		return val, err == nil
	}
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	}) == -1 {
		val, err := strconv.ParseUint(s, 10, 64)
		return val, err == nil
	}
	return 0, false
}

func CreateInternalFile(ctx *Context) {
	obj := &ObjectFile{}
	ctx.InternalObj = obj
	ctx.Objs = append(ctx.Objs, obj)

	ctx.InternalEsyms = make([]Sym, 1)
	obj.Symbols = append(obj.Symbols, NewSymbol(""))
	obj.FirstGlobal = 1
	obj.IsAlive.Store(true)
	obj.Features = ^uint32(0)
	obj.Priority = 1
	obj.File = &File{Name: "<internal>"}

	obj.ElfSyms = ctx.InternalEsyms
}

// AddSyntheticSymbols installs the linker-provided names into the
// internal file and resolves them so they win over any undefined
// reference. Runs once the chunk list exists, because __start_/__stop_
// pairs are derived from it.
func AddSyntheticSymbols(ctx *Context) {
	obj := ctx.InternalObj

	add := func(name string, visibility uint8) *Symbol {
		esym := Sym{
			Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_NOTYPE),
			Shndx: uint16(elf.SHN_ABS),
			Other: visibility,
		}
		ctx.InternalEsyms = append(ctx.InternalEsyms, esym)
		sym := GetSymbolByName(ctx, name)
		obj.Symbols = append(obj.Symbols, sym)
		return sym
	}

	hidden := func(name string) *Symbol {
		return add(name, uint8(elf.STV_HIDDEN))
	}

	ctx.__EhdrStart = hidden("__ehdr_start")
	ctx.__ExecutableStart = hidden("__executable_start")
	ctx.__InitArrayStart = hidden("__init_array_start")
	ctx.__InitArrayEnd = hidden("__init_array_end")
	ctx.__FiniArrayStart = hidden("__fini_array_start")
	ctx.__FiniArrayEnd = hidden("__fini_array_end")
	ctx.__PreinitArrayStart = hidden("__preinit_array_start")
	ctx.__PreinitArrayEnd = hidden("__preinit_array_end")
	ctx._DYNAMIC = hidden("_DYNAMIC")
	ctx._GLOBAL_OFFSET_TABLE_ = hidden("_GLOBAL_OFFSET_TABLE_")
	ctx.__BssStart = hidden("__bss_start")
	ctx._End = hidden("_end")
	ctx._Etext = hidden("_etext")
	ctx._Edata = hidden("_edata")

	if ctx.Arch.IsRel {
		ctx.__RelIpltStart = hidden("__rel_iplt_start")
		ctx.__RelIpltEnd = hidden("__rel_iplt_end")
	} else {
		ctx.__RelIpltStart = hidden("__rela_iplt_start")
		ctx.__RelIpltEnd = hidden("__rela_iplt_end")
	}

	if ctx.Args.EhFrameHdr {
		ctx.__GnuEhFrameHdr = hidden("__GNU_EH_FRAME_HDR")
	}

	// The unprefixed names exist only if no input claimed them.
	if GetSymbolByName(ctx, "end").File == nil {
		ctx.End = hidden("end")
	}
	if GetSymbolByName(ctx, "etext").File == nil {
		ctx.Etext = hidden("etext")
	}
	if GetSymbolByName(ctx, "edata").File == nil {
		ctx.Edata = hidden("edata")
	}

	for _, chunk := range ctx.Chunks {
		if !IsCIdentifier(chunk.GetName()) {
			continue
		}
		hidden("__start_" + chunk.GetName())
		hidden("__stop_" + chunk.GetName())
	}

	for _, defsym := range ctx.Args.Defsyms {
		add(defsym[0], uint8(elf.STV_DEFAULT))
	}

	obj.ElfSyms = ctx.InternalEsyms
	obj.ResolveSymbols(ctx)
}

func numIRelativeRelocs(ctx *Context) uint64 {
	return uint64(ctx.Got.NumIFuncSyms())
}

// FixSyntheticSymbols binds the well-known names to their final
// addresses once layout is done.
func FixSyntheticSymbols(ctx *Context) {
	start := func(sym *Symbol, chunk Chunker) {
		if sym != nil && chunk != nil {
			sym.SetOutputSection(chunk)
			sym.Value = chunk.GetShdr().Addr
		}
	}

	stop := func(sym *Symbol, chunk Chunker) {
		if sym != nil && chunk != nil {
			sym.SetOutputSection(chunk)
			sym.Value = chunk.GetShdr().Addr + chunk.GetShdr().Size
		}
	}

	// __bss_start
	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindOutputSection && chunk.GetName() == ".bss" {
			start(ctx.__BssStart, chunk)
			break
		}
	}

	// __ehdr_start and __executable_start
	if ctx.__EhdrStart != nil {
		ctx.__EhdrStart.SetOutputSection(ctx.Ehdr)
		ctx.__EhdrStart.Value = ctx.Ehdr.Shdr.Addr
	}
	if ctx.__ExecutableStart != nil {
		ctx.__ExecutableStart.SetOutputSection(ctx.Ehdr)
		ctx.__ExecutableStart.Value = ctx.Ehdr.Shdr.Addr
	}

	// __rel_iplt_start and __rel_iplt_end bracket the IRELATIVE
	// prefix of .rela.dyn.
	start(ctx.__RelIpltStart, ctx.RelDyn)
	if ctx.__RelIpltEnd != nil && ctx.RelDyn != nil {
		ctx.__RelIpltEnd.SetOutputSection(ctx.RelDyn)
		ctx.__RelIpltEnd.Value = ctx.RelDyn.Shdr.Addr +
			numIRelativeRelocs(ctx)*uint64(unsafe.Sizeof(Rela{}))
	}

	for _, chunk := range ctx.Chunks {
		switch chunk.GetShdr().Type {
		case uint32(elf.SHT_INIT_ARRAY):
			start(ctx.__InitArrayStart, chunk)
			stop(ctx.__InitArrayEnd, chunk)
		case uint32(elf.SHT_PREINIT_ARRAY):
			start(ctx.__PreinitArrayStart, chunk)
			stop(ctx.__PreinitArrayEnd, chunk)
		case uint32(elf.SHT_FINI_ARRAY):
			start(ctx.__FiniArrayStart, chunk)
			stop(ctx.__FiniArrayEnd, chunk)
		}
	}

	// _end, _etext, _edata and the unprefixed variants.
	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindHeader {
			continue
		}
		shdr := chunk.GetShdr()

		if shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			stop(ctx._End, chunk)
			stop(ctx.End, chunk)
		}

		if shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0 {
			stop(ctx._Etext, chunk)
			stop(ctx.Etext, chunk)
		}

		if shdr.Type != uint32(elf.SHT_NOBITS) && shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			stop(ctx._Edata, chunk)
			stop(ctx.Edata, chunk)
		}
	}

	if ctx.Dynamic != nil && ctx.Dynamic.Shdr.Size > 0 {
		start(ctx._DYNAMIC, ctx.Dynamic)
	}

	switch ctx.Arch.Machine {
	case MachineTypeX86_64:
		start(ctx._GLOBAL_OFFSET_TABLE_, ctx.GotPlt)
	default:
		start(ctx._GLOBAL_OFFSET_TABLE_, ctx.Got)
	}

	if ctx.EhFrameHdr != nil {
		start(ctx.__GnuEhFrameHdr, ctx.EhFrameHdr)
	}

	// __start_ and __stop_ symbols. A pair whose section is absent
	// keeps resolving to zero.
	for _, chunk := range ctx.Chunks {
		if IsCIdentifier(chunk.GetName()) {
			start(GetSymbolByName(ctx, "__start_"+chunk.GetName()), chunk)
			stop(GetSymbolByName(ctx, "__stop_"+chunk.GetName()), chunk)
		}
	}

	for _, defsym := range ctx.Args.Defsyms {
		sym := GetSymbolByName(ctx, defsym[0])
		sym.InputSection = nil

		if addr, ok := parseDefsymAddr(defsym[1]); ok {
			sym.Value = addr
			continue
		}

		target := GetSymbolByName(ctx, defsym[1])
		if target.File == nil {
			ctx.Errorf("--defsym: undefined symbol: %s", defsym[1])
			continue
		}

		sym.Value = target.GetAddr(ctx)
		sym.Visibility = target.Visibility

		if isec := target.InputSection; isec != nil {
			sym.SetOutputSection(isec.OutputSection)
			sym.Value = target.GetAddr(ctx)
		}
	}
}
