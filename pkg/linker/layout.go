package linker

import (
	"debug/elf"
	"math"
	"sort"
	"strings"

	"github.com/ksora/weld/pkg/utils"
)

// Output chunks are sorted into this order:
//
//	ELF header
//	program header
//	.interp
//	alloc note
//	alloc readonly data
//	alloc readonly code
//	alloc writable tdata
//	alloc writable tbss
//	alloc writable RELRO data
//	alloc writable RELRO bss
//	alloc writable non-RELRO data
//	alloc writable non-RELRO bss
//	nonalloc
//	section header
//
// Note sections are sorted by their alignments.
func GetSectionRank(ctx *Context, chunk Chunker) int64 {
	typ := chunk.GetShdr().Type
	flags := chunk.GetShdr().Flags

	if chunk == Chunker(ctx.Ehdr) {
		return 0
	}
	if chunk == Chunker(ctx.Phdr) {
		return 1
	}
	if ctx.Interp != nil && chunk == Chunker(ctx.Interp) {
		return 2
	}
	if typ == uint32(elf.SHT_NOTE) && flags&uint64(elf.SHF_ALLOC) != 0 {
		return (1 << 10) + int64(chunk.GetShdr().AddrAlign)
	}
	if chunk == Chunker(ctx.Shdr) {
		return 1 << 30
	}
	if flags&uint64(elf.SHF_ALLOC) == 0 {
		return (1 << 30) - 1
	}

	b2i := func(b bool) int64 {
		if b {
			return 1
		}
		return 0
	}

	writable := b2i(flags&uint64(elf.SHF_WRITE) != 0)
	exec := b2i(flags&uint64(elf.SHF_EXECINSTR) != 0)
	tls := b2i(flags&uint64(elf.SHF_TLS) != 0)
	relro := b2i(isRelro(ctx, chunk))
	isBss := b2i(typ == uint32(elf.SHT_NOBITS))

	return (1 << 20) | writable<<19 | exec<<18 | (1-tls)<<17 |
		(1-relro)<<16 | isBss<<15
}

func SortOutputSections(ctx *Context) {
	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		return GetSectionRank(ctx, ctx.Chunks[i]) < GetSectionRank(ctx, ctx.Chunks[j])
	})
}

func isRelro(ctx *Context, chunk Chunker) bool {
	flags := chunk.GetShdr().Flags
	typ := chunk.GetShdr().Type

	if flags&uint64(elf.SHF_WRITE) != 0 {
		return (flags&uint64(elf.SHF_TLS) != 0) || typ == uint32(elf.SHT_INIT_ARRAY) ||
			typ == uint32(elf.SHT_FINI_ARRAY) || typ == uint32(elf.SHT_PREINIT_ARRAY) ||
			chunk == Chunker(ctx.Got) || chunk == Chunker(ctx.Dynamic) ||
			chunk.GetName() == ".toc" ||
			strings.HasSuffix(chunk.GetName(), ".rel.ro")
	}
	return false
}

func isTbss(chunk Chunker) bool {
	return chunk.GetShdr().Type == uint32(elf.SHT_NOBITS) &&
		chunk.GetShdr().Flags&uint64(elf.SHF_TLS) != 0
}

// separatePage reports whether two adjacent alloc chunks must land in
// different PT_LOAD segments: a change in permissions or in RELRO
// status forces the next chunk onto a fresh page.
func separatePage(ctx *Context, a, b Chunker) bool {
	if toPhdrFlags(a) != toPhdrFlags(b) {
		return true
	}
	return isRelro(ctx, a) != isRelro(ctx, b)
}

func chunkAlignment(chunk Chunker) uint64 {
	return uint64(math.Max(float64(chunk.GetExtraAddrAlign()),
		float64(chunk.GetShdr().AddrAlign)))
}

func doSetOsecOffsets(ctx *Context) uint64 {
	chunks := ctx.Chunks

	// Assign virtual addresses.
	addr := ctx.Args.ImageBase
	for i := 0; i < len(chunks); i++ {
		if chunks[i].GetShdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}

		if i > 0 && separatePage(ctx, chunks[i-1], chunks[i]) {
			addr = utils.AlignTo(addr, ctx.Arch.PageSize)
		}

		if isTbss(chunks[i]) {
			chunks[i].GetShdr().Addr = addr
			continue
		}

		addr = utils.AlignTo(addr, chunkAlignment(chunks[i]))
		chunks[i].GetShdr().Addr = addr
		addr += chunks[i].GetShdr().Size
	}

	// tbss sections are laid out as if overlapping the non-tbss
	// sections that follow. The TBSS part of a TLS template image is
	// never read at runtime, and overlapping saves a PT_LOAD segment.
	for i := 0; i < len(chunks); {
		if isTbss(chunks[i]) {
			addr := chunks[i].GetShdr().Addr
			for ; i < len(chunks) && isTbss(chunks[i]); i++ {
				addr = utils.AlignTo(addr, chunkAlignment(chunks[i]))
				chunks[i].GetShdr().Addr = addr
				addr += chunks[i].GetShdr().Size
			}
		} else {
			i++
		}
	}

	// Assign file offsets. NOBITS consumes no file space; other alloc
	// sections keep sh_offset congruent to sh_addr modulo the page size,
	// and non-alloc sections are only aligned to their own alignment.
	fileoff := uint64(0)
	for _, chunk := range chunks {
		shdr := chunk.GetShdr()
		if shdr.Type == uint32(elf.SHT_NOBITS) {
			shdr.Offset = fileoff
		} else if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			fileoff = utils.AlignTo(fileoff, chunkAlignment(chunk))
			shdr.Offset = fileoff
			fileoff += shdr.Size
		} else {
			fileoff = utils.AlignWithSkew(fileoff, ctx.Arch.PageSize, shdr.Addr)
			shdr.Offset = fileoff
			fileoff += shdr.Size
		}
	}
	return fileoff
}

// SetOsecOffsets iterates layout until the program header stops
// growing; adding a segment can change offsets which can change the
// segment list.
func SetOsecOffsets(ctx *Context) uint64 {
	for {
		fileoff := doSetOsecOffsets(ctx)

		if ctx.Phdr == nil {
			return fileoff
		}

		size := ctx.Phdr.Shdr.Size
		ctx.Phdr.UpdateShdr(ctx)

		if size == ctx.Phdr.Shdr.Size {
			return fileoff
		}
	}
}
