package linker

import (
	"debug/elf"
	"testing"
)

// makeNamedIsec appends a named section to a test object the way the
// parser would have produced it.
func makeNamedIsec(ctx *Context, o *ObjectFile, name string, typ uint32,
	flags uint64, size uint64, p2align uint8) *InputSection {

	if o.ShStrtab == nil {
		o.ShStrtab = []byte{0}
		o.ElfSections = []Shdr{{}}
		o.Sections = []*InputSection{nil}
	}
	if o.File.Contents == nil {
		o.File.Contents = make([]byte, 0x10000)
	}

	nameOff := uint32(len(o.ShStrtab))
	o.ShStrtab = append(o.ShStrtab, name...)
	o.ShStrtab = append(o.ShStrtab, 0)

	o.ElfSections = append(o.ElfSections, Shdr{
		Name:      nameOff,
		Type:      typ,
		Flags:     flags,
		Size:      size,
		AddrAlign: 1 << p2align,
	})
	shndx := int64(len(o.ElfSections) - 1)
	isec := NewInputSection(ctx, o, name, shndx)
	o.Sections = append(o.Sections, isec)
	return isec
}

// S5: .init_array members are ordered by the numeric priority in the
// section name; a priority-less .init_array goes last.
func TestSortInitFini(t *testing.T) {
	ctx := newTestContext()
	a := newTestObj(ctx, "a.o", false)
	b := newTestObj(ctx, "b.o", false)

	i300 := makeNamedIsec(ctx, a, ".init_array.300", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 8, 3)
	i100 := makeNamedIsec(ctx, b, ".init_array.100", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 8, 3)
	idef := makeNamedIsec(ctx, b, ".init_array", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 8, 3)

	BinSections(ctx)
	SortInitFini(ctx)

	var osec *OutputSection
	for _, os := range ctx.OutputSections {
		if os.Name == ".init_array" {
			osec = os
		}
	}
	if osec == nil {
		t.Fatal("no .init_array output section")
	}
	if len(osec.Members) != 3 {
		t.Fatalf("member count = %d, want 3", len(osec.Members))
	}
	if osec.Members[0] != i100 || osec.Members[1] != i300 || osec.Members[2] != idef {
		t.Errorf("order = [%s %s %s], want [.init_array.100 .init_array.300 .init_array]",
			osec.Members[0].Name(), osec.Members[1].Name(), osec.Members[2].Name())
	}
	if osec.Shdr.Type != uint32(elf.SHT_INIT_ARRAY) {
		t.Errorf("output type = %d, want SHT_INIT_ARRAY", osec.Shdr.Type)
	}
}

func TestBinSectionsShardOrderIsDeterministic(t *testing.T) {
	ctx := newTestContext()
	var want []*InputSection
	for i := 0; i < 10; i++ {
		o := newTestObj(ctx, "obj.o", false)
		want = append(want, makeNamedIsec(ctx, o, ".data", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 16, 3))
	}

	BinSections(ctx)

	var osec *OutputSection
	for _, os := range ctx.OutputSections {
		if os.Name == ".data" {
			osec = os
		}
	}
	if osec == nil {
		t.Fatal("no .data output section")
	}
	if len(osec.Members) != len(want) {
		t.Fatalf("member count = %d, want %d", len(osec.Members), len(want))
	}
	for i := range want {
		if osec.Members[i] != want[i] {
			t.Fatalf("member %d out of input order", i)
		}
	}
}

func TestComputeSectionSizes(t *testing.T) {
	ctx := newTestContext()
	o := newTestObj(ctx, "a.o", false)

	makeNamedIsec(ctx, o, ".data", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 10, 0)
	makeNamedIsec(ctx, o, ".data", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 4, 4)
	makeNamedIsec(ctx, o, ".data", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 3, 1)

	BinSections(ctx)
	ComputeSectionSizes(ctx)

	var osec *OutputSection
	for _, os := range ctx.OutputSections {
		if os.Name == ".data" {
			osec = os
		}
	}
	m := osec.Members
	if m[0].Offset != 0 {
		t.Errorf("member 0 offset = %d, want 0", m[0].Offset)
	}
	if m[1].Offset != 16 {
		t.Errorf("member 1 offset = %d, want 16", m[1].Offset)
	}
	if m[2].Offset != 20 {
		t.Errorf("member 2 offset = %d, want 20", m[2].Offset)
	}
	if osec.Shdr.Size != 23 {
		t.Errorf("section size = %d, want 23", osec.Shdr.Size)
	}
	if osec.Shdr.AddrAlign != 16 {
		t.Errorf("section align = %d, want 16", osec.Shdr.AddrAlign)
	}
}

// S6: __start_/__stop_ boundary symbols for C-identifier sections.
func TestStartStopSymbols(t *testing.T) {
	ctx := newTestContext()
	o := newTestObj(ctx, "a.o", false)
	makeNamedIsec(ctx, o, "foo_bar", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC), 0x40, 3)

	ResolveSymbols(ctx)
	CreateInternalFile(ctx)
	CreateSyntheticSections(ctx)
	BinSections(ctx)
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)
	AddSyntheticSymbols(ctx)

	var osec *OutputSection
	for _, os := range ctx.OutputSections {
		if os.Name == "foo_bar" {
			osec = os
		}
	}
	if osec == nil {
		t.Fatal("no foo_bar output section")
	}
	osec.Shdr.Addr = 0x201000
	osec.Shdr.Size = 0x40

	FixSyntheticSymbols(ctx)

	start := GetSymbolByName(ctx, "__start_foo_bar")
	stop := GetSymbolByName(ctx, "__stop_foo_bar")
	if got := start.GetAddr(ctx); got != 0x201000 {
		t.Errorf("__start_foo_bar = %#x, want 0x201000", got)
	}
	if got := stop.GetAddr(ctx); got != 0x201040 {
		t.Errorf("__stop_foo_bar = %#x, want 0x201040", got)
	}

	// A section that is not a C identifier must not grow boundary
	// symbols.
	if sym, ok := ctx.SymbolMap.Load("__start_.data"); ok && sym.(*Symbol).File != nil {
		t.Error("boundary symbol created for a non-C-identifier section")
	}
}

func TestDefsymLiteralAndReference(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "a.o", false, testSym{
		name: "target", bind: uint8(elf.STB_GLOBAL),
		shndx: uint16(elf.SHN_ABS), val: 0x42,
	})
	ctx.Args.Defsyms = [][2]string{
		{"lit_hex", "0x1000"},
		{"lit_dec", "4096"},
		{"ref", "target"},
	}

	ResolveSymbols(ctx)
	CreateInternalFile(ctx)
	CreateSyntheticSections(ctx)
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)
	AddSyntheticSymbols(ctx)
	FixSyntheticSymbols(ctx)

	if got := GetSymbolByName(ctx, "lit_hex").Value; got != 0x1000 {
		t.Errorf("lit_hex = %#x, want 0x1000", got)
	}
	if got := GetSymbolByName(ctx, "lit_dec").Value; got != 4096 {
		t.Errorf("lit_dec = %d, want 4096", got)
	}
	if got := GetSymbolByName(ctx, "ref").Value; got != 0x42 {
		t.Errorf("ref = %#x, want 0x42", got)
	}
	if err := ctx.Checkpoint(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefsymUndefinedReferenceReported(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "a.o", false, defSym("main"))
	ctx.Args.Defsyms = [][2]string{{"bad", "no_such_symbol"}}

	ResolveSymbols(ctx)
	CreateInternalFile(ctx)
	CreateSyntheticSections(ctx)
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)
	AddSyntheticSymbols(ctx)
	FixSyntheticSymbols(ctx)

	if err := ctx.Checkpoint(); err == nil {
		t.Error("--defsym with an undefined RHS was not reported")
	}
}

func TestUnprefixedEndOnlyWhenAbsent(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "a.o", false, testSym{
		name: "end", bind: uint8(elf.STB_GLOBAL),
		shndx: uint16(elf.SHN_ABS), val: 0x9000,
	})

	ResolveSymbols(ctx)
	CreateInternalFile(ctx)
	CreateSyntheticSections(ctx)
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)
	AddSyntheticSymbols(ctx)

	if ctx.End != nil {
		t.Error("synthesized end although an input defines it")
	}
	if ctx.Etext == nil || ctx.Edata == nil {
		t.Error("etext/edata not synthesized although absent from inputs")
	}
	if got := GetSymbolByName(ctx, "end").Value; got != 0x9000 {
		t.Errorf("input-defined end clobbered: value = %#x", got)
	}
}

// S2: one object calling into libc yields a NEEDED entry and an
// undefined dynamic symbol.
func TestDynamicTagsForNeededDso(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, defSym("main"), undefSym("__libc_start_main"))
	newTestDso(ctx, "libc.so", dsoFunc("__libc_start_main", 0x1200))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)
	CreateSyntheticSections(ctx)
	ScanRels(ctx)

	sym := GetSymbolByName(ctx, "__libc_start_main")
	if !sym.IsImported {
		t.Fatal("__libc_start_main not imported")
	}
	if sym.GetDynsymIdx(ctx) == -1 {
		t.Error("__libc_start_main missing from dynsym")
	}

	ctx.Dynamic.UpdateShdr(ctx)
	foundNeeded := false
	for _, dyn := range ctx.Dynamic.entries {
		if dyn.Tag == int64(elf.DT_NEEDED) &&
			dyn.Val == uint64(ctx.Dynstr.GetOffset("libc.so")) {
			foundNeeded = true
		}
	}
	if !foundNeeded {
		t.Error("no NEEDED(libc.so) entry in .dynamic")
	}

	// RELACOUNT reflects exactly the relative relocations.
	ctx.RelDyn.NumRelativeRels.Add(7)
	ctx.RelDyn.UpdateShdr(ctx)
	ctx.Dynamic.UpdateShdr(ctx)
	relaCount := uint64(0)
	for _, dyn := range ctx.Dynamic.entries {
		if dyn.Tag == DT_RELACOUNT {
			relaCount = dyn.Val
		}
	}
	if relaCount != 7 {
		t.Errorf("RELACOUNT = %d, want 7", relaCount)
	}
}

func TestCommentSectionCarriesVersionAndDebugCmdline(t *testing.T) {
	ctx := newTestContext()
	ctx.Env.Debug = "1"
	ctx.CmdLine = []string{"weld", "-o", "a.out", "main.o"}
	newTestObj(ctx, "main.o", false, defSym("main"))

	ResolveSymbols(ctx)
	ComputeMergedSectionSizes(ctx)

	var comment *MergedSection
	for _, sec := range ctx.MergedSections {
		if sec.Name == ".comment" {
			comment = sec
		}
	}
	if comment == nil {
		t.Fatal("no .comment merged section")
	}

	haveVersion := false
	haveCmdline := false
	for _, frag := range comment.Map {
		if frag.Data == "weld "+Version+"\x00" {
			haveVersion = true
		}
		if frag.Data == "weld command line: weld -o a.out main.o\x00" {
			haveCmdline = true
		}
	}
	if !haveVersion {
		t.Error("version string missing from .comment")
	}
	if !haveCmdline {
		t.Error("command line missing from .comment despite WELD_DEBUG")
	}
	if comment.Shdr.Size == 0 {
		t.Error(".comment size not assigned")
	}
}

func TestMergedSectionDedup(t *testing.T) {
	ctx := newTestContext()
	sec := GetMergedSectionInstance(ctx, ".rodata.str1.1", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_MERGE|elf.SHF_STRINGS))

	a := sec.Insert("hello\x00", 0)
	b := sec.Insert("hello\x00", 0)
	c := sec.Insert("world\x00", 2)

	if a != b {
		t.Error("identical fragments were not deduplicated")
	}
	if a == c {
		t.Error("distinct fragments were merged")
	}

	a.IsAlive = true
	c.IsAlive = true
	sec.AssignOffsets()

	if c.Offset%4 != 0 {
		t.Errorf("aligned fragment at offset %d, want multiple of 4", c.Offset)
	}
	if sec.Shdr.Size == 0 {
		t.Error("merged section size not computed")
	}
}
