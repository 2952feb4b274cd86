package linker

import (
	"debug/elf"
	"testing"
)

func dsoFunc(name string, val uint64) testSym {
	return testSym{name: name, bind: uint8(elf.STB_GLOBAL),
		typ: uint8(elf.STT_FUNC), shndx: 1, val: val}
}

func dsoObject(name string, val, size uint64) testSym {
	return testSym{name: name, bind: uint8(elf.STB_GLOBAL),
		typ: uint8(elf.STT_OBJECT), shndx: 2, val: val, size: size}
}

// A non-PIC executable taking the address of a DSO function gets a
// canonical PLT entry in .plt, and the symbol ends up both imported
// and exported.
func TestCanonicalPlt(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, undefSym("hello"))
	newTestDso(ctx, "libhello.so", dsoFunc("hello", 0x1100))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)
	CreateSyntheticSections(ctx)

	sym := GetSymbolByName(ctx, "hello")
	if !sym.IsImported {
		t.Fatal("DSO-defined function not classified as imported")
	}

	sym.Flags |= NEEDS_PLT
	ScanRels(ctx)

	if got := sym.GetPltIdx(ctx); got != 0 {
		t.Errorf("hello PltIdx = %d, want 0 (canonical entry in .plt)", got)
	}
	if got := sym.GetPltGotIdx(ctx); got != -1 {
		t.Errorf("canonical PLT leaked into .plt.got (idx %d)", got)
	}
	if !sym.IsExported {
		t.Error("canonical PLT symbol must be exported")
	}
	if sym.GetDynsymIdx(ctx) == -1 {
		t.Error("canonical PLT symbol missing from dynsym")
	}
}

// With both GOT and PLT needed and no canonical constraint, the stub
// belongs in .plt.got, where it jumps through the symbol's existing GOT
// slot.
func TestPltGotRouting(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.Pic = true
	newTestObj(ctx, "main.o", false, undefSym("hello"))
	newTestDso(ctx, "libhello.so", dsoFunc("hello", 0x1100))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)
	CreateSyntheticSections(ctx)

	sym := GetSymbolByName(ctx, "hello")
	sym.Flags |= NEEDS_PLT | NEEDS_GOT
	ScanRels(ctx)

	if got := sym.GetPltGotIdx(ctx); got != 0 {
		t.Errorf("hello PltGotIdx = %d, want 0", got)
	}
	if got := sym.GetPltIdx(ctx); got != -1 {
		t.Errorf("PIC PLT entry leaked into .plt (idx %d)", got)
	}
	if got := sym.GetGotIdx(ctx); got != 0 {
		t.Errorf("hello GotIdx = %d, want 0", got)
	}
}

// A copy-relocated DSO variable drags all of its aliases into the
// executable so every name resolves to the same address at runtime.
func TestCopyrelWithAliases(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, undefSym("foo"))
	dso := newTestDso(ctx, "libfoo.so",
		dsoObject("foo", 0x2010, 8),
		dsoObject("bar", 0x2010, 8))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)
	CreateSyntheticSections(ctx)

	foo := GetSymbolByName(ctx, "foo")
	bar := GetSymbolByName(ctx, "bar")
	foo.Flags |= NEEDS_COPYREL
	ScanRels(ctx)

	if !foo.HasCopyrel {
		t.Fatal("copy relocation not allocated")
	}
	if foo.CopyrelReadonly {
		t.Error("writable-segment symbol classified as read-only copyrel")
	}
	if len(ctx.Dynbss.Syms) != 1 || ctx.Dynbss.Syms[0] != foo {
		t.Error("foo missing from .dynbss")
	}

	if !bar.HasCopyrel || !bar.IsImported || !bar.IsExported {
		t.Error("alias bar was not copied along")
	}
	if bar.Value != foo.Value {
		t.Errorf("alias value %#x differs from %#x", bar.Value, foo.Value)
	}
	if foo.GetDynsymIdx(ctx) == -1 || bar.GetDynsymIdx(ctx) == -1 {
		t.Error("copyrel pair missing from dynsym")
	}
	_ = dso
}

func TestCopyrelReadonlyGoesToRelro(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, undefSym("rodata_var"))
	newTestDso(ctx, "libro.so", testSym{name: "rodata_var",
		bind: uint8(elf.STB_GLOBAL), typ: uint8(elf.STT_OBJECT),
		shndx: 1, val: 0x1800, size: 4})

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)
	CreateSyntheticSections(ctx)

	sym := GetSymbolByName(ctx, "rodata_var")
	sym.Flags |= NEEDS_COPYREL
	ScanRels(ctx)

	if !sym.CopyrelReadonly {
		t.Fatal("read-only-segment symbol not classified readonly")
	}
	if len(ctx.DynbssRelro.Syms) != 1 {
		t.Error("readonly copyrel not placed in .dynbss.rel.ro")
	}
	if len(ctx.Dynbss.Syms) != 0 {
		t.Error("readonly copyrel leaked into .dynbss")
	}
}

func TestTlsLdAllocatesOneModuleSlot(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "a.o", false, defSym("tls_a"), defSym("tls_b"))

	ResolveSymbols(ctx)
	CreateSyntheticSections(ctx)

	a := GetSymbolByName(ctx, "tls_a")
	b := GetSymbolByName(ctx, "tls_b")
	a.Flags |= NEEDS_TLSLD
	b.Flags |= NEEDS_TLSLD
	ScanRels(ctx)

	if ctx.Got.TlsLdIdx == -1 {
		t.Fatal("TLSLD slot not allocated")
	}
	if ctx.Got.NumSlots != 2 {
		t.Errorf("NumSlots = %d, want exactly one TLSLD pair", ctx.Got.NumSlots)
	}
}

func TestTlsSlotSizes(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "a.o", false, defSym("gd"), defSym("ie"), defSym("desc"))

	ResolveSymbols(ctx)
	CreateSyntheticSections(ctx)

	GetSymbolByName(ctx, "gd").Flags |= NEEDS_TLSGD
	GetSymbolByName(ctx, "ie").Flags |= NEEDS_GOTTP
	GetSymbolByName(ctx, "desc").Flags |= NEEDS_TLSDESC
	ScanRels(ctx)

	// TLSGD and TLSDESC take two slots each, GOTTP one.
	if ctx.Got.NumSlots != 5 {
		t.Errorf("NumSlots = %d, want 5", ctx.Got.NumSlots)
	}
}

func TestFlagsClearedAfterAllocation(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "a.o", false, defSym("x"))

	ResolveSymbols(ctx)
	CreateSyntheticSections(ctx)

	sym := GetSymbolByName(ctx, "x")
	sym.Flags |= NEEDS_GOT
	ScanRels(ctx)

	if sym.Flags != 0 {
		t.Errorf("flags not cleared after allocation: %#x", sym.Flags)
	}
	if n := len(ctx.Got.GotSyms); n != 1 {
		t.Fatalf("got %d GOT symbols, want 1", n)
	}

	// A second allocation round must not hand out another slot.
	ScanRels(ctx)
	if n := len(ctx.Got.GotSyms); n != 1 {
		t.Errorf("double allocation: %d GOT symbols", n)
	}
}

func TestRelDynCounting(t *testing.T) {
	ctx := newTestContext()
	newTestObj(ctx, "main.o", false, undefSym("var"))
	newTestDso(ctx, "libv.so", dsoObject("var", 0x2020, 8))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)
	CreateSyntheticSections(ctx)

	sym := GetSymbolByName(ctx, "var")
	sym.Flags |= NEEDS_GOT
	ctx.RelDyn.NumRelativeRels.Add(3)
	ScanRels(ctx)

	// 3 relative + 1 GLOB_DAT for the imported GOT slot.
	if n := ctx.RelDyn.NumEntries(ctx); n != 4 {
		t.Errorf("NumEntries = %d, want 4", n)
	}
}

// __rel_iplt_start/__rel_iplt_end bracket exactly the IRELATIVE
// entries at the head of .rela.dyn.
func TestRelIpltRange(t *testing.T) {
	ctx := newTestContext()
	ifunc := testSym{name: "resolver", bind: uint8(elf.STB_GLOBAL),
		typ: STT_GNU_IFUNC, shndx: uint16(elf.SHN_ABS), val: 0x1000}
	newTestObj(ctx, "a.o", false, ifunc, defSym("plain"))

	ResolveSymbols(ctx)
	CreateInternalFile(ctx)
	CreateSyntheticSections(ctx)
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)
	AddSyntheticSymbols(ctx)

	GetSymbolByName(ctx, "resolver").Flags |= NEEDS_GOT
	GetSymbolByName(ctx, "plain").Flags |= NEEDS_GOT
	ScanRels(ctx)

	ctx.RelDyn.Shdr.Addr = 0x400000
	FixSyntheticSymbols(ctx)

	start := GetSymbolByName(ctx, "__rela_iplt_start")
	stop := GetSymbolByName(ctx, "__rela_iplt_end")
	if got := stop.GetAddr(ctx) - start.GetAddr(ctx); got != 24 {
		t.Errorf("iplt range = %d bytes, want one Rela (24)", got)
	}
}

// A scan classifies address-taking relocations: imported functions
// need PLTs, imported data needs a copy relocation in a non-PIC link.
func TestScanDataRelClassification(t *testing.T) {
	ctx := newTestContext()
	obj := newTestObj(ctx, "main.o", false, undefSym("func"), undefSym("var"))
	newTestDso(ctx, "lib.so", dsoFunc("func", 0x1100), dsoObject("var", 0x2020, 8))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)
	CreateSyntheticSections(ctx)

	isec := &InputSection{File: obj, IsAlive: true}

	fn := GetSymbolByName(ctx, "func")
	v := GetSymbolByName(ctx, "var")

	fn.Mu.Lock()
	isec.scanDataRel(ctx, fn, RelAbs)
	fn.Mu.Unlock()
	v.Mu.Lock()
	isec.scanDataRel(ctx, v, RelAbs)
	v.Mu.Unlock()

	if fn.Flags&NEEDS_PLT == 0 {
		t.Error("imported function address-take should need a PLT")
	}
	if v.Flags&NEEDS_COPYREL == 0 {
		t.Error("imported data address-take should need a copy relocation")
	}
}
