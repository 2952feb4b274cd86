package linker

import (
	"debug/elf"
	"testing"
)

func TestGlobToRegex(t *testing.T) {
	tests := []struct {
		pat     string
		input   string
		matches bool
	}{
		{"foo*", "foobar", true},
		{"foo*", "barfoo", false},
		{"f?o", "foo", true},
		{"f?o", "fooo", false},
		{"lib[ab]", "liba", true},
		{"lib[ab]", "libc", false},
		{"a.b", "a.b", true},
		{"a.b", "axb", false},
	}

	for _, tt := range tests {
		ctx := newTestContext()
		re := compileGlobs(ctx, []string{tt.pat})
		if re == nil {
			t.Fatalf("pattern %q did not compile", tt.pat)
		}
		if got := re.MatchString(tt.input); got != tt.matches {
			t.Errorf("pattern %q against %q = %v, want %v", tt.pat, tt.input, got, tt.matches)
		}
	}
}

func TestBadVersionPatternReported(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.VersionPatterns = []VersionPattern{
		{Patterns: []string{"foo["}, VerIdx: VER_NDX_GLOBAL},
	}
	newTestObj(ctx, "a.o", false, defSym("foo"))
	ResolveSymbols(ctx)
	ApplyVersionScript(ctx)

	if err := ctx.Checkpoint(); err == nil {
		t.Error("unterminated bracket pattern did not report an error")
	}
}

// A script of the form { global: foo; local: *; } keeps foo in the
// dynamic table and hides everything else.
func TestVersionScriptLocalSuppression(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.VersionPatterns = []VersionPattern{
		{Patterns: []string{"*"}, VerIdx: VER_NDX_LOCAL},
		{Patterns: []string{"foo"}, VerIdx: VER_NDX_GLOBAL},
	}
	obj := newTestObj(ctx, "a.o", false, defSym("foo"), defSym("main"))

	ResolveSymbols(ctx)
	ApplyVersionScript(ctx)
	ComputeImportExport(ctx)

	if got := GetSymbolByName(ctx, "foo").VerIdx; got != VER_NDX_GLOBAL {
		t.Errorf("foo.VerIdx = %d, want VER_NDX_GLOBAL", got)
	}
	if got := GetSymbolByName(ctx, "main").VerIdx; got != VER_NDX_LOCAL {
		t.Errorf("main.VerIdx = %d, want VER_NDX_LOCAL", got)
	}

	CreateSyntheticSections(ctx)
	ScanRels(ctx)

	names := make(map[string]bool)
	for _, sym := range ctx.Dynsym.Syms[1:] {
		names[sym.Name] = true
	}
	if !names["foo"] {
		t.Error("foo missing from dynsym")
	}
	if names["main"] {
		t.Error("main leaked into dynsym despite local: *")
	}
	_ = obj
}

func TestCppPatternMatchesDemangled(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.VersionPatterns = []VersionPattern{
		{CppPatterns: []string{"ns::*"}, VerIdx: VER_NDX_LAST_RESERVED + 1},
	}
	// _ZN2ns3fooEv demangles to ns::foo().
	newTestObj(ctx, "a.o", false, defSym("_ZN2ns3fooEv"), defSym("plain"))

	ResolveSymbols(ctx)
	ApplyVersionScript(ctx)

	if got := GetSymbolByName(ctx, "_ZN2ns3fooEv").VerIdx; got != VER_NDX_LAST_RESERVED+1 {
		t.Errorf("mangled symbol VerIdx = %d, want %d", got, VER_NDX_LAST_RESERVED+1)
	}
	if got := GetSymbolByName(ctx, "plain").VerIdx; got == VER_NDX_LAST_RESERVED+1 {
		t.Error("non-C++ symbol matched the C++ pattern")
	}
}

func TestParseSymbolVersions(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.Shared = true
	ctx.Args.VersionDefinitions = []string{"VERS_1", "VERS_2"}

	obj := newTestObj(ctx, "a.o", false, defSym("f"), defSym("g"), defSym("h"))
	obj.Symvers[0] = "@VERS_1" // f@@VERS_1: default binding
	obj.Symvers[1] = "VERS_2"  // g@VERS_2: hidden, non-default
	ResolveSymbols(ctx)
	ParseSymbolVersions(ctx)

	if got := GetSymbolByName(ctx, "f").VerIdx; got != VER_NDX_LAST_RESERVED+1 {
		t.Errorf("f.VerIdx = %#x, want %#x", got, VER_NDX_LAST_RESERVED+1)
	}
	want := (VER_NDX_LAST_RESERVED + 2) | VERSYM_HIDDEN
	if got := GetSymbolByName(ctx, "g").VerIdx; got != want {
		t.Errorf("g.VerIdx = %#x, want %#x", got, want)
	}
	if err := ctx.Checkpoint(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUnknownSymbolVersionReported(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.Shared = true
	ctx.Args.VersionDefinitions = []string{"VERS_1"}

	obj := newTestObj(ctx, "a.o", false, defSym("f"))
	obj.Symvers[0] = "NO_SUCH_VERSION"
	ResolveSymbols(ctx)
	ParseSymbolVersions(ctx)

	if err := ctx.Checkpoint(); err == nil {
		t.Error("undefined version name was not reported")
	}
}

func TestSymverSuffixSplitting(t *testing.T) {
	tests := []struct {
		in       string
		name     string
		ver      string
	}{
		{"foo@@VERS_1", "foo", "@VERS_1"},
		{"foo@VERS_1", "foo", "VERS_1"},
	}

	for _, tt := range tests {
		ctx := newTestContext()
		o := &ObjectFile{}
		o.File = &File{Name: "a.o"}
		o.FirstGlobal = 1
		o.IsAlive.Store(true)
		o.ElfSyms = []Sym{{}, toElfSym(defSym(tt.in))}

		strtab := []byte{0}
		nameOff := uint32(len(strtab))
		strtab = append(strtab, tt.in...)
		strtab = append(strtab, 0)
		o.SymbolStrtab = strtab
		o.ElfSyms[1].Name = nameOff
		o.SymtabSec = &Shdr{Info: 1}

		o.initializeSymbols(ctx)

		if o.Symbols[1].Name != tt.name {
			t.Errorf("%s: name = %q, want %q", tt.in, o.Symbols[1].Name, tt.name)
		}
		if o.Symvers[0] != tt.ver {
			t.Errorf("%s: symver = %q, want %q", tt.in, o.Symvers[0], tt.ver)
		}
	}
}

func TestImportExportMonotone(t *testing.T) {
	ctx := newTestContext()
	obj := newTestObj(ctx, "a.o", false, defSym("api"))
	newTestDso(ctx, "libuser.so", undefSym("api"))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)

	sym := GetSymbolByName(ctx, "api")
	if !sym.IsExported {
		t.Fatal("symbol referenced by a DSO was not exported")
	}

	// No later pass may un-export.
	CreateSyntheticSections(ctx)
	ScanRels(ctx)
	if !sym.IsExported {
		t.Error("export dropped by a later pass")
	}
	_ = obj
}

func TestHiddenNotExported(t *testing.T) {
	ctx := newTestContext()
	hidden := defSym("secret")
	hidden.vis = uint8(elf.STV_HIDDEN)
	newTestObj(ctx, "a.o", false, hidden)

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)

	if GetSymbolByName(ctx, "secret").IsExported {
		t.Error("hidden symbol was exported")
	}
}

func TestSharedModeImportsOwnGlobals(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.Shared = true
	ctx.Args.Pic = true
	newTestObj(ctx, "a.o", false, defSym("interposable"))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)

	sym := GetSymbolByName(ctx, "interposable")
	if !sym.IsExported || !sym.IsImported {
		t.Error("shared-mode global should be exported and interposable (imported)")
	}
}

func TestBsymbolicForbidsInterposition(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.Shared = true
	ctx.Args.Pic = true
	ctx.Args.Bsymbolic = true
	newTestObj(ctx, "a.o", false, defSym("interposable"))

	ResolveSymbols(ctx)
	ComputeImportExport(ctx)

	sym := GetSymbolByName(ctx, "interposable")
	if !sym.IsExported {
		t.Error("-Bsymbolic should still export")
	}
	if sym.IsImported {
		t.Error("-Bsymbolic should prevent the import")
	}
}
