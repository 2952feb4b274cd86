package linker

import (
	"os"

	"github.com/pkg/errors"
	"github.com/ksora/weld/pkg/utils"
)

// Link runs the whole pipeline over the already-loaded inputs and
// returns the output file size. Passes are strict barriers; the error
// queue is drained at the checkpoints the pipeline defines.
func Link(ctx *Context) (uint64, error) {
	ctx.Arch = GetArch(ctx.Args.Emulation)
	if ctx.Arch == nil {
		return 0, errors.New("unknown emulation type")
	}

	CreateInternalFile(ctx)
	ResolveSymbols(ctx)
	if err := ctx.Checkpoint(); err != nil {
		return 0, err
	}

	EliminateComdats(ctx)
	RegisterSectionPieces(ctx)
	ConvertCommonSymbols(ctx)

	ApplyVersionScript(ctx)
	ParseSymbolVersions(ctx)
	ApplyExcludeLibs(ctx)
	ComputeImportExport(ctx)

	ComputeMergedSectionSizes(ctx)
	CreateSyntheticSections(ctx)
	BinSections(ctx)
	CheckDuplicateSymbols(ctx)
	SortInitFini(ctx)

	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)

	AddSyntheticSymbols(ctx)
	ClaimUnresolvedSymbols(ctx)
	ScanRels(ctx)
	if err := ctx.Checkpoint(); err != nil {
		return 0, err
	}

	ComputeSectionSizes(ctx)
	SortOutputSections(ctx)

	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}

	ctx.Chunks = utils.RemoveIf(ctx.Chunks, func(chunk Chunker) bool {
		return chunk.Kind() != ChunkKindOutputSection && chunk.GetShdr().Size == 0
	})

	shndx := int64(1)
	for i := 0; i < len(ctx.Chunks); i++ {
		if ctx.Chunks[i].Kind() != ChunkKindHeader {
			ctx.Chunks[i].SetShndx(shndx)
			shndx++
		}
	}

	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}

	fileSize := SetOsecOffsets(ctx)
	FixSyntheticSymbols(ctx)

	if err := ctx.Checkpoint(); err != nil {
		return 0, err
	}
	return fileSize, nil
}

// WriteOutput materializes every chunk into the output buffer and
// writes the file.
func WriteOutput(ctx *Context, fileSize uint64) error {
	ctx.Buf = make([]byte, fileSize)

	for _, chunk := range ctx.Chunks {
		chunk.CopyBuf(ctx)
	}

	if err := os.WriteFile(ctx.Args.Output, ctx.Buf, 0777); err != nil {
		return errors.Wrap(err, "writing output")
	}
	return nil
}
