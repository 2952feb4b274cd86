package linker

import (
	"debug/elf"
	"testing"
)

func newTestContext() *Context {
	ctx := NewContext()
	ctx.Args.Emulation = MachineTypeX86_64
	ctx.Arch = ArchX86_64
	return ctx
}

type testSym struct {
	name  string
	bind  uint8
	typ   uint8
	shndx uint16
	val   uint64
	size  uint64
	vis   uint8
}

func defSym(name string) testSym {
	return testSym{name: name, bind: uint8(elf.STB_GLOBAL), shndx: uint16(elf.SHN_ABS)}
}

func weakSym(name string) testSym {
	return testSym{name: name, bind: uint8(elf.STB_WEAK), shndx: uint16(elf.SHN_ABS)}
}

func undefSym(name string) testSym {
	return testSym{name: name, bind: uint8(elf.STB_GLOBAL), shndx: uint16(elf.SHN_UNDEF)}
}

func commonSym(name string, size, align uint64) testSym {
	return testSym{name: name, bind: uint8(elf.STB_GLOBAL),
		shndx: uint16(elf.SHN_COMMON), val: align, size: size}
}

func toElfSym(ts testSym) Sym {
	return Sym{
		Info:  ts.bind<<4 | ts.typ,
		Other: ts.vis,
		Shndx: ts.shndx,
		Val:   ts.val,
		Size:  ts.size,
	}
}

func newTestObj(ctx *Context, name string, inLib bool, syms ...testSym) *ObjectFile {
	o := &ObjectFile{}
	o.File = &File{Name: name}
	o.Priority = ctx.FilePriority
	ctx.FilePriority++
	o.IsAlive.Store(!inLib)
	o.FirstGlobal = 1
	o.ElfSyms = []Sym{{}}
	o.Symbols = []*Symbol{NewSymbol("")}

	for _, ts := range syms {
		o.ElfSyms = append(o.ElfSyms, toElfSym(ts))
		o.Symbols = append(o.Symbols, GetSymbolByName(ctx, ts.name))
	}
	o.Symvers = make([]string, len(syms))

	ctx.Objs = append(ctx.Objs, o)
	return o
}

func newTestDso(ctx *Context, soname string, syms ...testSym) *SharedFile {
	f := &SharedFile{}
	f.File = &File{Name: soname}
	f.Soname = soname
	f.IsDso = true
	f.Priority = ctx.FilePriority
	ctx.FilePriority++
	f.IsAlive.Store(!ctx.Args.AsNeeded)
	f.FirstGlobal = 1
	f.ElfSyms = []Sym{{}}
	f.Symbols = []*Symbol{NewSymbol("")}

	// One writable and one read-only alloc section so IsReadonly has
	// something to classify against.
	f.ElfSections = []Shdr{
		{},
		{Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC),
			Addr: 0x1000, Size: 0x1000},
		{Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: 0x2000, Size: 0x1000},
	}

	for _, ts := range syms {
		f.ElfSyms = append(f.ElfSyms, toElfSym(ts))
		f.Symbols = append(f.Symbols, GetSymbolByName(ctx, ts.name))
	}

	ctx.Dsos = append(ctx.Dsos, f)
	return f
}

func TestResolveTieBreak(t *testing.T) {
	tests := []struct {
		name   string
		first  testSym
		second testSym
		want   int // which object should win: 0 or 1
	}{
		{"strong beats weak", weakSym("x"), defSym("x"), 1},
		{"weak beats common", commonSym("x", 8, 8), weakSym("x"), 1},
		{"same tier earlier priority wins", defSym("x"), defSym("x"), 0},
		{"weak does not displace strong", defSym("x"), weakSym("x"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newTestContext()
			a := newTestObj(ctx, "a.o", false, tt.first)
			b := newTestObj(ctx, "b.o", false, tt.second)

			a.ResolveSymbols(ctx)
			b.ResolveSymbols(ctx)

			sym := GetSymbolByName(ctx, "x")
			want := InputFiler(a)
			if tt.want == 1 {
				want = b
			}
			if sym.File != want {
				t.Errorf("symbol x resolved to %v, want object %d", sym.File, tt.want)
			}
		})
	}
}

func TestRankOrder(t *testing.T) {
	obj := &ObjectFile{}
	obj.Priority = 10

	dso := &SharedFile{}
	dso.IsDso = true
	dso.Priority = 10

	strong := toElfSym(defSym("s"))
	weak := toElfSym(weakSym("s"))
	common := toElfSym(commonSym("s", 8, 8))
	undef := toElfSym(undefSym("s"))

	ranks := []uint64{
		GetRank(&obj.InputFile, &strong, false),
		GetRank(&obj.InputFile, &weak, false),
		GetRank(&obj.InputFile, &common, false),
		GetRank(&obj.InputFile, &strong, true),
		GetRank(&dso.InputFile, &strong, false),
		GetRank(&obj.InputFile, &undef, false),
		RankUnresolved,
	}

	for i := 1; i < len(ranks); i++ {
		if ranks[i-1] >= ranks[i] {
			t.Fatalf("rank %d (%#x) should be lower than rank %d (%#x)",
				i-1, ranks[i-1], i, ranks[i])
		}
	}
}

func TestArchiveMemberLoadedOnDemand(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, undefSym("f"))
	member := newTestObj(ctx, "libf.a(f.o)", true, defSym("f"))

	ResolveSymbols(ctx)

	if !member.IsAlive.Load() {
		t.Error("archive member defining a referenced symbol was not loaded")
	}
	if got := GetSymbolByName(ctx, "f").File; got != InputFiler(member) {
		t.Errorf("f resolved to %v, want the archive member", got)
	}
}

func TestUnreferencedArchiveMemberStaysOut(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, defSym("main"))
	member := newTestObj(ctx, "libf.a(f.o)", true, defSym("f"))

	ResolveSymbols(ctx)

	if member.IsAlive.Load() {
		t.Error("unreferenced archive member was loaded")
	}
	if sym := GetSymbolByName(ctx, "f"); sym.File != nil {
		t.Errorf("dead member still owns f: %v", sym.File)
	}
	for _, o := range ctx.Objs {
		if o == member {
			t.Error("dead archive member still in the object list")
		}
	}
}

func TestUndefinedFlagLoadsArchiveMember(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, defSym("main"))
	member := newTestObj(ctx, "libf.a(f.o)", true, defSym("f"))
	ctx.Args.Undefined = []string{"f"}

	ResolveSymbols(ctx)

	if !member.IsAlive.Load() {
		t.Error("--undefined did not load the defining archive member")
	}
}

func TestStrongUndefMarksAsNeededDsoAlive(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.AsNeeded = true
	newTestObj(ctx, "main.o", false, undefSym("puts"))
	dso := newTestDso(ctx, "libc.so", testSym{
		name: "puts", bind: uint8(elf.STB_GLOBAL),
		typ: uint8(elf.STT_FUNC), shndx: 1, val: 0x1100,
	})

	ResolveSymbols(ctx)

	if !dso.IsAlive.Load() {
		t.Error("DSO providing a strong undefined was dropped")
	}
	if len(ctx.Dsos) != 1 {
		t.Errorf("live DSO count = %d, want 1", len(ctx.Dsos))
	}
}

func TestUnreferencedAsNeededDsoRemoved(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.AsNeeded = true
	newTestObj(ctx, "main.o", false, defSym("main"))
	newTestDso(ctx, "libuseless.so", testSym{
		name: "nobody_calls_this", bind: uint8(elf.STB_GLOBAL), shndx: 1, val: 0x1000,
	})

	ResolveSymbols(ctx)

	if len(ctx.Dsos) != 0 {
		t.Errorf("unreferenced as-needed DSO kept alive, dsos = %d", len(ctx.Dsos))
	}
	if sym := GetSymbolByName(ctx, "nobody_calls_this"); sym.File != nil {
		t.Error("symbol of removed DSO was not reverted")
	}
}

func TestDuplicateStrongDefinitionReported(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "a.o", false, defSym("dup"))
	newTestObj(ctx, "b.o", false, defSym("dup"))

	ResolveSymbols(ctx)
	CheckDuplicateSymbols(ctx)

	if err := ctx.Checkpoint(); err == nil {
		t.Error("duplicate strong definitions were not reported")
	}
}

func TestWeakDuplicateIsFine(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "a.o", false, defSym("dup"))
	newTestObj(ctx, "b.o", false, weakSym("dup"))

	ResolveSymbols(ctx)
	CheckDuplicateSymbols(ctx)

	if err := ctx.Checkpoint(); err != nil {
		t.Errorf("weak duplicate reported as error: %v", err)
	}
}

func TestClaimUnresolvedWeakUndef(t *testing.T) {
	ctx := newTestContext()
	obj := newTestObj(ctx, "main.o", false, testSym{
		name: "maybe", bind: uint8(elf.STB_WEAK), shndx: uint16(elf.SHN_UNDEF),
	})

	ResolveSymbols(ctx)
	ClaimUnresolvedSymbols(ctx)

	sym := GetSymbolByName(ctx, "maybe")
	if sym.File != InputFiler(obj) {
		t.Fatal("weak undefined was not claimed")
	}
	if sym.Value != 0 || sym.IsWeak {
		t.Error("claimed weak undefined should be an absolute zero")
	}
	if err := ctx.Checkpoint(); err != nil {
		t.Errorf("weak undefined reported as error: %v", err)
	}
}

func TestClaimUnresolvedStrongUndefErrors(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, undefSym("missing"))

	ResolveSymbols(ctx)
	ClaimUnresolvedSymbols(ctx)

	if err := ctx.Checkpoint(); err == nil {
		t.Error("strong undefined without a provider was not reported")
	}
}

func TestGccLtoWarning(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "lto.o", false, defSym("__gnu_lto_slim"), defSym("main"))

	ResolveSymbols(ctx)

	if !ctx.GccLto {
		t.Error("slim LTO input did not set the warning flag")
	}
}

func TestCommonConversion(t *testing.T) {
	ctx := newTestContext()
	obj := newTestObj(ctx, "a.o", false, commonSym("buf", 128, 16))
	obj.ElfSections = []Shdr{{}}
	obj.Sections = []*InputSection{nil}

	ResolveSymbols(ctx)
	ConvertCommonSymbols(ctx)

	sym := GetSymbolByName(ctx, "buf")
	if sym.InputSection == nil {
		t.Fatal("common symbol was not converted to a section")
	}
	shdr := sym.InputSection.Shdr()
	if shdr.Type != uint32(elf.SHT_NOBITS) {
		t.Errorf("converted common section type = %d, want SHT_NOBITS", shdr.Type)
	}
	if shdr.Size != 128 || shdr.AddrAlign != 16 {
		t.Errorf("converted section size/align = %d/%d, want 128/16", shdr.Size, shdr.AddrAlign)
	}
}
