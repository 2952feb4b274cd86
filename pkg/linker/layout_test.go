package linker

import (
	"debug/elf"
	"testing"
)

func makeOsec(name string, typ uint32, flags uint64, size, align uint64) *OutputSection {
	o := NewOutputSection(name, typ, flags, 0)
	o.Shdr.Size = size
	o.Shdr.AddrAlign = align
	// A non-empty member list keeps the chunk from being treated as
	// removable synthetic space in these tests.
	o.Members = []*InputSection{{}}
	return o
}

func layoutFixture() (*Context, map[string]*OutputSection) {
	ctx := newTestContext()
	ctx.Ehdr = NewOutputEhdr()
	ctx.Phdr = NewOutputPhdr()
	ctx.Shdr = NewOutputShdr()
	ctx.Shdr.Shdr.Size = 64

	secs := map[string]*OutputSection{
		".text":    makeOsec(".text", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), 0x100, 16),
		".rodata":  makeOsec(".rodata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC), 0x80, 8),
		".data":    makeOsec(".data", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 0x200, 8),
		".bss":     makeOsec(".bss", uint32(elf.SHT_NOBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 0x300, 16),
		".tdata":   makeOsec(".tdata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS), 0x40, 8),
		".tbss":    makeOsec(".tbss", uint32(elf.SHT_NOBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS), 0x100, 8),
		".note":    makeOsec(".note.test", uint32(elf.SHT_NOTE), uint64(elf.SHF_ALLOC), 0x20, 4),
		".comment": makeOsec(".comment", uint32(elf.SHT_PROGBITS), 0, 0x10, 1),
	}

	ctx.Chunks = []Chunker{ctx.Ehdr, ctx.Phdr, ctx.Shdr}
	for _, s := range secs {
		ctx.Chunks = append(ctx.Chunks, s)
	}
	return ctx, secs
}

func chunkIndex(ctx *Context, c Chunker) int {
	for i, chunk := range ctx.Chunks {
		if chunk == c {
			return i
		}
	}
	return -1
}

func TestSectionRankOrder(t *testing.T) {
	ctx, secs := layoutFixture()
	SortOutputSections(ctx)

	order := []Chunker{
		ctx.Ehdr, ctx.Phdr, secs[".note"], secs[".rodata"], secs[".text"],
		secs[".tdata"], secs[".tbss"], secs[".data"], secs[".bss"],
		secs[".comment"], ctx.Shdr,
	}

	prev := -1
	for _, c := range order {
		idx := chunkIndex(ctx, c)
		if idx <= prev {
			t.Fatalf("chunk %s out of order (index %d after %d)", c.GetName(), idx, prev)
		}
		prev = idx
	}
}

func TestAddressFileOffsetCongruence(t *testing.T) {
	ctx, _ := layoutFixture()
	SortOutputSections(ctx)
	SetOsecOffsets(ctx)

	page := ctx.Arch.PageSize
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 ||
			shdr.Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		if shdr.Offset%page != shdr.Addr%page {
			t.Errorf("%s: sh_offset %#x not congruent to sh_addr %#x mod page",
				chunk.GetName(), shdr.Offset, shdr.Addr)
		}
	}
}

func TestPermissionChangeStartsNewPage(t *testing.T) {
	ctx, secs := layoutFixture()
	SortOutputSections(ctx)
	SetOsecOffsets(ctx)

	page := ctx.Arch.PageSize
	if secs[".text"].Shdr.Addr%page != 0 {
		t.Errorf(".text addr %#x not page aligned after a permission change",
			secs[".text"].Shdr.Addr)
	}
	if secs[".tdata"].Shdr.Addr%page != 0 {
		t.Errorf(".tdata addr %#x not page aligned after a permission change",
			secs[".tdata"].Shdr.Addr)
	}
}

// TBSS gets an address but never advances the cursor: the layout with
// and without the tbss chunk places the following sections
// identically, and tbss consumes no file space.
func TestTbssOverlap(t *testing.T) {
	withTbss, secsA := layoutFixture()
	SortOutputSections(withTbss)
	sizeWith := SetOsecOffsets(withTbss)

	without, secsB := layoutFixture()
	without.Chunks = removeChunk(without.Chunks, secsB[".tbss"])
	SortOutputSections(without)
	SetOsecOffsets(without)

	if secsA[".data"].Shdr.Addr != secsB[".data"].Shdr.Addr {
		t.Errorf(".data addr with tbss %#x, without %#x; tbss must not consume space",
			secsA[".data"].Shdr.Addr, secsB[".data"].Shdr.Addr)
	}

	tbss := secsA[".tbss"]
	tdata := secsA[".tdata"]
	if tbss.Shdr.Addr < tdata.Shdr.Addr+tdata.Shdr.Size {
		t.Error("tbss laid out before the end of tdata")
	}

	// File size must not include the tbss bytes.
	bss := secsA[".bss"]
	if sizeWith >= bss.Shdr.Offset+bss.Shdr.Size+tbss.Shdr.Size {
		t.Errorf("file size %#x appears to include NOBITS contents", sizeWith)
	}
}

func removeChunk(chunks []Chunker, victim Chunker) []Chunker {
	out := make([]Chunker, 0, len(chunks))
	for _, c := range chunks {
		if c != victim {
			out = append(out, c)
		}
	}
	return out
}

func TestNobitsConsumesNoFileSpace(t *testing.T) {
	ctx, secs := layoutFixture()
	SortOutputSections(ctx)
	SetOsecOffsets(ctx)

	bss := secs[".bss"]
	comment := secs[".comment"]
	if comment.Shdr.Offset >= bss.Shdr.Offset+bss.Shdr.Size {
		t.Errorf(".comment offset %#x was pushed past .bss as if it had file contents",
			comment.Shdr.Offset)
	}
}

func TestLayoutDeterminism(t *testing.T) {
	run := func() []uint64 {
		ctx, _ := layoutFixture()
		SortOutputSections(ctx)
		SetOsecOffsets(ctx)
		var out []uint64
		for _, c := range ctx.Chunks {
			out = append(out, c.GetShdr().Addr, c.GetShdr().Offset)
		}
		return out
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatal("layouts differ in length")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("layout differs at %d: %#x vs %#x", i, a[i], b[i])
		}
	}
}

func TestRelroDetection(t *testing.T) {
	ctx := newTestContext()
	got := NewGotSection()
	ctx.Got = got

	relro := NewOutputSection(".data.rel.ro", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 0)
	plain := NewOutputSection(".data", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 1)
	initArr := NewOutputSection(".init_array", uint32(elf.SHT_INIT_ARRAY),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 2)

	if !isRelro(ctx, got) {
		t.Error(".got should be RELRO")
	}
	if !isRelro(ctx, relro) {
		t.Error(".data.rel.ro should be RELRO")
	}
	if !isRelro(ctx, initArr) {
		t.Error(".init_array should be RELRO")
	}
	if isRelro(ctx, plain) {
		t.Error(".data should not be RELRO")
	}
}
