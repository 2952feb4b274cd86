package linker

import (
	"debug/elf"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/ksora/weld/pkg/utils"
)

// ResolveSymbols runs the resolution protocol: object installs (lazy
// for archive members), DSO installs, the reachability sweep, symbol
// reversion for dead files, and transitive DSO liveness.
func ResolveSymbols(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ResolveSymbols(ctx)
	})
	utils.ParallelForEach(ctx.Dsos, func(file *SharedFile) {
		file.ResolveDsoSymbols(ctx)
	})

	MarkLiveObjects(ctx)

	// Remove symbols of eliminated objects.
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		if !file.IsAlive.Load() {
			file.ClearSymbols()
		}
	})

	ctx.Objs = utils.RemoveIf(ctx.Objs, func(file *ObjectFile) bool {
		return !file.IsAlive.Load()
	})

	// Resolve once more on the survivors so that names reverted with a
	// dead file, and common symbols, settle on live definitions.
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ResolveSymbols(ctx)
	})

	markLiveDsos(ctx)

	utils.ParallelForEach(ctx.Dsos, func(file *SharedFile) {
		if !file.IsAlive.Load() {
			file.ClearSymbols()
		}
	})

	ctx.Dsos = utils.RemoveIf(ctx.Dsos, func(file *SharedFile) bool {
		return !file.IsAlive.Load()
	})

	if sym := GetSymbolByName(ctx, "__gnu_lto_slim"); sym.File != nil {
		log.Warnf("%s: looks like this file contains GCC intermediate code, "+
			"but weld does not support LTO", sym.File.Base().Name())
		ctx.GccLto = true
	}
}

// MarkLiveObjects seeds the worklist with the non-archive objects and
// the named roots, then drags archive members in through a feeder BFS.
func MarkLiveObjects(ctx *Context) {
	roots := make([]*ObjectFile, 0, len(ctx.Objs))
	for _, file := range ctx.Objs {
		if file.IsAlive.Load() {
			roots = append(roots, file)
		}
	}

	load := func(name string) {
		sym := GetSymbolByName(ctx, name)
		if sym.File == nil || sym.File.Base().IsDso {
			return
		}
		if !sym.File.Base().IsAlive.Swap(true) {
			roots = append(roots, sym.File.(*ObjectFile))
		}
	}

	load(ctx.Args.Entry)
	for _, name := range ctx.Args.Undefined {
		load(name)
	}
	for _, name := range ctx.Args.RequireDefined {
		load(name)
	}

	utils.ParallelFeed(roots, func(file *ObjectFile, feeder *utils.Feeder[*ObjectFile]) {
		file.MarkLiveObjects(ctx, func(o *ObjectFile) {
			feeder.Add(o)
		})
	})
}

// markLiveDsos keeps a DSO if a live object has a strong undefined
// resolved to it, then closes DSO-to-DSO references to a fixed point.
func markLiveDsos(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for i := file.FirstGlobal; i < int64(len(file.ElfSyms)); i++ {
			esym := &file.ElfSyms[i]
			sym := file.Symbols[i]
			if esym.IsUndefStrong() && sym.File != nil && sym.File.Base().IsDso {
				sym.Mu.Lock()
				sym.File.Base().IsAlive.Store(true)
				sym.IsWeak = false
				sym.Mu.Unlock()
			}
		}
	})

	liveDsos := make([]*SharedFile, 0, len(ctx.Dsos))
	for _, file := range ctx.Dsos {
		if file.IsAlive.Load() {
			liveDsos = append(liveDsos, file)
		}
	}

	utils.ParallelFeed(liveDsos, func(file *SharedFile, feeder *utils.Feeder[*SharedFile]) {
		for _, sym := range file.GetGlobalSyms() {
			other := sym.File
			if other == nil || other == InputFiler(file) || !other.Base().IsDso {
				continue
			}
			if !other.Base().IsAlive.Swap(true) {
				feeder.Add(other.(*SharedFile))
			}
		}
	})
}

func EliminateComdats(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ResolveComdatGroups()
	})
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.EliminateDuplicateComdatGroups()
	})
}

func ConvertCommonSymbols(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ConvertCommonSymbols(ctx)
	})
}

func ComputeImportExport(ctx *Context) {
	// Symbols referenced by a DSO and defined by a regular object are
	// exported, unless building a shared object.
	if !ctx.Args.Shared {
		utils.ParallelForEach(ctx.Dsos, func(file *SharedFile) {
			for _, sym := range file.GetGlobalSyms() {
				if sym.File != nil && !sym.File.Base().IsDso &&
					sym.Visibility != uint8(elf.STV_HIDDEN) {
					sym.Mu.Lock()
					sym.IsExported = true
					sym.Mu.Unlock()
				}
			}
		})
	}

	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ComputeImportExport(ctx)
	})
}

// CheckDuplicateSymbols reports strong definitions that lost to
// another strong definition. Weak, common, and discarded-section
// definitions are legitimate losers.
func CheckDuplicateSymbols(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for i := file.FirstGlobal; i < int64(len(file.ElfSyms)); i++ {
			esym := &file.ElfSyms[i]
			sym := file.Symbols[i]

			if sym.File == file || sym.File == InputFiler(ctx.InternalObj) ||
				sym.File == nil ||
				esym.IsUndef() || esym.IsCommon() || esym.IsWeak() {
				continue
			}

			if !esym.IsAbs() {
				isec := file.GetSection(esym, i)
				if isec == nil || !isec.IsAlive {
					continue
				}
			}

			ctx.Errorf("duplicate symbol: %s: %s: %s",
				file.Name(), sym.File.Base().Name(), sym.Name)
		}
	})
}

func RegisterSectionPieces(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.RegisterSectionPieces()
	})
}

func addCommentString(ctx *Context, str string) {
	sec := GetMergedSectionInstance(ctx, ".comment", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_MERGE|elf.SHF_STRINGS))
	frag := sec.Insert(str+"\x00", 1)
	frag.IsAlive = true
}

func ComputeMergedSectionSizes(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for _, m := range file.MergeableSections {
			if m == nil {
				continue
			}
			for _, frag := range m.Fragments {
				frag.IsAlive = true
			}
		}
	})

	addCommentString(ctx, "weld "+Version)

	// Embed the command line for debugging.
	if ctx.Env.DebugValue() != "" {
		addCommentString(ctx, "weld command line: "+strings.Join(ctx.CmdLine, " "))
	}

	utils.ParallelForEach(ctx.MergedSections, func(sec *MergedSection) {
		sec.AssignOffsets()
	})
}

// BinSections distributes live input sections into their output
// sections. Objects are sharded; each shard fills local buckets, and
// the reduction appends in shard order so the result is deterministic.
func BinSections(ctx *Context) {
	if len(ctx.Objs) == 0 {
		return
	}

	const numShards = 128
	unit := (len(ctx.Objs) + numShards - 1) / numShards
	var slices [][]*ObjectFile
	for rest := ctx.Objs; len(rest) > 0; {
		n := unit
		if n > len(rest) {
			n = len(rest)
		}
		slices = append(slices, rest[:n])
		rest = rest[n:]
	}

	numOsec := len(ctx.OutputSections)
	groups := make([][][]*InputSection, len(slices))

	utils.ParallelFor(len(slices), func(i int) {
		groups[i] = make([][]*InputSection, numOsec)
		for _, file := range slices[i] {
			for _, isec := range file.Sections {
				if isec != nil && isec.IsAlive {
					idx := isec.OutputSection.Idx
					groups[i][idx] = append(groups[i][idx], isec)
				}
			}
		}
	})

	sizes := make([]int, numOsec)
	for _, group := range groups {
		for i, g := range group {
			sizes[i] += len(g)
		}
	}

	utils.ParallelFor(numOsec, func(j int) {
		members := make([]*InputSection, 0, sizes[j])
		for i := range groups {
			members = append(members, groups[i][j]...)
		}
		ctx.OutputSections[j].Members = members
	})
}

var initFiniPriority = regexp.MustCompile(`_array\.(\d+)$`)

// SortInitFini orders .init_array.N/.fini_array.N members by their
// numeric priority; members without one go last.
func SortInitFini(ctx *Context) {
	getPriority := func(isec *InputSection) int {
		if m := initFiniPriority.FindStringSubmatch(isec.Name()); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
		return 65536
	}

	for _, osec := range ctx.OutputSections {
		if osec.Name == ".init_array" || osec.Name == ".fini_array" {
			sort.SliceStable(osec.Members, func(i, j int) bool {
				return getPriority(osec.Members[i]) < getPriority(osec.Members[j])
			})
		}
	}
}

func CreateSyntheticSections(ctx *Context) {
	push := func(chunk Chunker) Chunker {
		ctx.Chunks = append(ctx.Chunks, chunk)
		return chunk
	}

	ctx.Ehdr = push(NewOutputEhdr()).(*OutputEhdr)
	ctx.Phdr = push(NewOutputPhdr()).(*OutputPhdr)
	ctx.Shdr = push(NewOutputShdr()).(*OutputShdr)
	ctx.Got = push(NewGotSection()).(*GotSection)
	ctx.GotPlt = push(NewGotPltSection()).(*GotPltSection)
	ctx.RelDyn = push(NewRelDynSection()).(*RelDynSection)
	ctx.RelPlt = push(NewRelPltSection()).(*RelPltSection)
	ctx.Strtab = push(NewStrtabSection()).(*StrtabSection)
	ctx.Shstrtab = push(NewShstrtabSection()).(*ShstrtabSection)
	ctx.Plt = push(NewPltSection()).(*PltSection)
	ctx.PltGot = push(NewPltGotSection()).(*PltGotSection)
	ctx.Symtab = push(NewSymtabSection()).(*SymtabSection)
	ctx.Dynsym = push(NewDynsymSection()).(*DynsymSection)
	ctx.Dynstr = push(NewDynstrSection()).(*DynstrSection)
	ctx.EhFrame = push(NewEhFrameSection()).(*EhFrameSection)
	ctx.Dynbss = push(NewDynbssSection(false)).(*DynbssSection)
	ctx.DynbssRelro = push(NewDynbssSection(true)).(*DynbssSection)

	if ctx.Args.DynamicLinker != "" {
		ctx.Interp = push(NewInterpSection()).(*InterpSection)
	}
	if ctx.Args.BuildId {
		ctx.BuildId = push(NewBuildIdSection()).(*BuildIdSection)
	}
	if ctx.Args.EhFrameHdr {
		ctx.EhFrameHdr = push(NewEhFrameHdrSection()).(*EhFrameHdrSection)
	}
	if ctx.Args.HashStyleSysv {
		ctx.Hash = push(NewHashSection()).(*HashSection)
	}
	if ctx.Args.HashStyleGnu {
		ctx.GnuHash = push(NewGnuHashSection()).(*GnuHashSection)
	}
	if len(ctx.Args.VersionDefinitions) > 0 {
		ctx.Verdef = push(NewVerdefSection()).(*VerdefSection)
	}

	ctx.Dynamic = push(NewDynamicSection()).(*DynamicSection)
	ctx.Versym = push(NewVersymSection()).(*VersymSection)
	ctx.Verneed = push(NewVerneedSection()).(*VerneedSection)
	ctx.NoteProperty = push(NewNotePropertySection()).(*NotePropertySection)

	if ctx.Args.Repro {
		ctx.Repro = push(NewReproSection()).(*ReproSection)
	}
}

func CollectOutputSections(ctx *Context) []Chunker {
	osecs := make([]Chunker, 0)
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) != 0 {
			osecs = append(osecs, osec)
		}
	}
	for _, osec := range ctx.MergedSections {
		if osec.Shdr.Size > 0 {
			osecs = append(osecs, osec)
		}
	}

	// Output sections are created in an arbitrary order under
	// concurrency; sort to make the output deterministic.
	sort.SliceStable(osecs, func(i, j int) bool {
		x := osecs[i]
		y := osecs[j]
		if x.GetName() != y.GetName() {
			return x.GetName() < y.GetName()
		}
		if x.GetShdr().Type != y.GetShdr().Type {
			return x.GetShdr().Type < y.GetShdr().Type
		}
		return x.GetShdr().Flags < y.GetShdr().Flags
	})
	return osecs
}

func ClaimUnresolvedSymbols(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ClaimUnresolvedSymbols(ctx)
	})
}

// ScanRels accumulates requirement bits across all live inputs, then
// walks the aggregated set once, deterministically, handing out
// dynsym, GOT, PLT, TLS, and copy-relocation slots.
func ScanRels(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ScanRelocations(ctx)
	})

	files := make([]InputFiler, 0, len(ctx.Objs)+len(ctx.Dsos))
	for _, file := range ctx.Objs {
		files = append(files, file)
	}
	for _, file := range ctx.Dsos {
		files = append(files, file)
	}

	vec := make([][]*Symbol, len(files))
	utils.ParallelFor(len(files), func(i int) {
		for _, sym := range files[i].Base().Symbols {
			if sym != nil && sym.File == files[i] {
				if sym.Flags != 0 || sym.IsImported || sym.IsExported {
					vec[i] = append(vec[i], sym)
				}
			}
		}
	})

	syms := make([]*Symbol, 0)
	for _, v := range vec {
		syms = append(syms, v...)
	}

	addAux := func(sym *Symbol) {
		if sym.AuxIdx == -1 {
			sym.AuxIdx = int32(len(ctx.SymbolsAux))
			ctx.SymbolsAux = append(ctx.SymbolsAux, NewSymbolAux())
		}
	}

	for _, sym := range syms {
		addAux(sym)

		if sym.IsImported || sym.IsExported {
			ctx.Dynsym.AddSymbol(ctx, sym)
		}

		if sym.Flags&NEEDS_GOT != 0 {
			ctx.Got.AddGotSymbol(ctx, sym)
		}

		if sym.Flags&NEEDS_PLT != 0 {
			// A canonical PLT is needed when a non-PIC executable
			// takes the address of an imported function; the entry's
			// address becomes the symbol's address everywhere.
			isCanonical := !ctx.Args.Pic && sym.IsImported
			if isCanonical {
				sym.IsExported = true
				ctx.Dynsym.AddSymbol(ctx, sym)
			}

			if sym.Flags&NEEDS_GOT != 0 && !isCanonical {
				ctx.PltGot.AddSymbol(ctx, sym)
			} else {
				// A canonical PLT cannot go through .plt.got: that
				// would make .plt.got and .got refer to each other.
				ctx.Plt.AddSymbol(ctx, sym)
			}
		}

		if sym.Flags&NEEDS_GOTTP != 0 {
			ctx.Got.AddGotTpSymbol(ctx, sym)
		}

		if sym.Flags&NEEDS_TLSGD != 0 {
			ctx.Got.AddTlsGdSymbol(ctx, sym)
		}

		if sym.Flags&NEEDS_TLSDESC != 0 {
			ctx.Got.AddTlsDescSymbol(ctx, sym)
		}

		if sym.Flags&NEEDS_TLSLD != 0 {
			ctx.Got.AddTlsLd(ctx)
		}

		if sym.Flags&NEEDS_COPYREL != 0 {
			dso, ok := sym.File.(*SharedFile)
			if !ok {
				sym.Flags = 0
				continue
			}
			sym.CopyrelReadonly = dso.IsReadonly(sym)

			if sym.CopyrelReadonly {
				ctx.DynbssRelro.AddSymbol(ctx, sym)
			} else {
				ctx.Dynbss.AddSymbol(ctx, sym)
			}

			// A copy-relocated symbol is both imported and exported.
			sym.IsExported = true
			ctx.Dynsym.AddSymbol(ctx, sym)

			// Aliases must be copied along so every name resolves to
			// the same address at runtime.
			for _, alias := range dso.FindAliases(sym) {
				addAux(alias)
				alias.IsImported = true
				alias.IsExported = true
				alias.HasCopyrel = true
				alias.Value = sym.Value
				alias.CopyrelReadonly = sym.CopyrelReadonly
				ctx.Dynsym.AddSymbol(ctx, alias)
			}
		}

		sym.Flags = 0
	}
}

// ComputeSectionSizes assigns member offsets and the final size and
// alignment of each output section via a prefix scan: blocks are
// summarized in parallel, the running offsets combine serially, and a
// final parallel pass writes the member offsets.
func ComputeSectionSizes(ctx *Context) {
	type unit struct {
		offset uint64
		align  uint64
	}

	combine := func(l, r unit) unit {
		return unit{
			offset: utils.AlignTo(l.offset, r.align) + r.offset,
			align:  max(l.align, r.align),
		}
	}

	utils.ParallelForEach(ctx.OutputSections, func(osec *OutputSection) {
		if len(osec.Members) == 0 {
			return
		}

		const blockSize = 10000
		numBlocks := (len(osec.Members) + blockSize - 1) / blockSize
		sums := make([]unit, numBlocks)

		utils.ParallelFor(numBlocks, func(b int) {
			sum := unit{0, 1}
			lo := b * blockSize
			hi := min(lo+blockSize, len(osec.Members))
			for _, isec := range osec.Members[lo:hi] {
				align := uint64(1) << isec.P2Align
				sum.offset = utils.AlignTo(sum.offset, align)
				sum.offset += uint64(isec.ShSize)
				sum.align = max(sum.align, align)
			}
			sums[b] = sum
		})

		bases := make([]unit, numBlocks)
		running := unit{0, 1}
		for b := 0; b < numBlocks; b++ {
			bases[b] = running
			running = combine(running, sums[b])
		}

		ends := make([]uint64, numBlocks)
		utils.ParallelFor(numBlocks, func(b int) {
			offset := bases[b].offset
			lo := b * blockSize
			hi := min(lo+blockSize, len(osec.Members))
			for _, isec := range osec.Members[lo:hi] {
				align := uint64(1) << isec.P2Align
				offset = utils.AlignTo(offset, align)
				isec.Offset = uint32(offset)
				offset += uint64(isec.ShSize)
			}
			ends[b] = offset
		})

		osec.Shdr.Size = ends[numBlocks-1]
		osec.Shdr.AddrAlign = running.align
	})
}
