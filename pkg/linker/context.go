package linker

import (
	"sync"

	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"
	"github.com/ksora/weld/pkg/utils"
)

type VersionPattern struct {
	Patterns    []string
	CppPatterns []string
	VerIdx      uint16
}

type Args struct {
	Output    string
	Emulation MachineType

	LibraryPaths []string

	Shared             bool
	Pic                bool
	Static             bool
	Bsymbolic          bool
	BsymbolicFunctions bool
	AsNeeded           bool
	EhFrameHdr         bool
	HashStyleSysv      bool
	HashStyleGnu       bool
	BuildId            bool
	Repro              bool

	Entry          string
	Soname         string
	DynamicLinker  string
	ImageBase      uint64
	Undefined      []string
	RequireDefined []string
	ExcludeLibs    []string

	// --defsym=name=expr pairs, RHS still unparsed.
	Defsyms [][2]string

	VersionPatterns    []VersionPattern
	VersionDefinitions []string
}

// Env is the process-environment configuration. MOLD_DEBUG is honored
// as a compatible alias of WELD_DEBUG.
type Env struct {
	Debug     string `env:"WELD_DEBUG"`
	MoldDebug string `env:"MOLD_DEBUG"`
}

func (e *Env) DebugValue() string {
	if e.Debug != "" {
		return e.Debug
	}
	return e.MoldDebug
}

type Context struct {
	Args Args
	Env  Env
	Arch *Arch

	SymbolMap sync.Map

	SymbolsAux []SymbolAux

	Ehdr         *OutputEhdr
	Shdr         *OutputShdr
	Phdr         *OutputPhdr
	Got          *GotSection
	GotPlt       *GotPltSection
	RelDyn       *RelDynSection
	RelPlt       *RelPltSection
	Strtab       *StrtabSection
	Shstrtab     *ShstrtabSection
	Plt          *PltSection
	PltGot       *PltGotSection
	Symtab       *SymtabSection
	Dynsym       *DynsymSection
	Dynstr       *DynstrSection
	EhFrame      *EhFrameSection
	EhFrameHdr   *EhFrameHdrSection
	Dynbss       *DynbssSection
	DynbssRelro  *DynbssSection
	Dynamic      *DynamicSection
	Interp       *InterpSection
	Hash         *HashSection
	GnuHash      *GnuHashSection
	Verdef       *VerdefSection
	Versym       *VersymSection
	Verneed      *VerneedSection
	NoteProperty *NotePropertySection
	BuildId      *BuildIdSection
	Repro        *ReproSection

	Buf []byte

	FilePriority uint32
	Visited      utils.MapSet[string]

	Objs []*ObjectFile
	Dsos []*SharedFile

	InternalObj   *ObjectFile
	InternalEsyms []Sym

	Chunks []Chunker

	MergedSections []*MergedSection
	OutputSections []*OutputSection

	comdatGroups sync.Map

	DefaultVersion uint16

	TpAddr uint64
	GccLto bool

	CmdLine []string

	errMu    sync.Mutex
	errors   []error
	warnings []error

	__InitArrayStart    *Symbol
	__InitArrayEnd      *Symbol
	__FiniArrayStart    *Symbol
	__FiniArrayEnd      *Symbol
	__PreinitArrayStart *Symbol
	__PreinitArrayEnd   *Symbol
	__EhdrStart         *Symbol
	__ExecutableStart   *Symbol
	__BssStart          *Symbol
	__RelIpltStart      *Symbol
	__RelIpltEnd        *Symbol
	__GnuEhFrameHdr     *Symbol
	_DYNAMIC            *Symbol
	_GLOBAL_OFFSET_TABLE_ *Symbol
	_End                *Symbol
	_Etext              *Symbol
	_Edata              *Symbol
	End                 *Symbol
	Etext               *Symbol
	Edata               *Symbol
}

func NewContext() *Context {
	ctx := &Context{
		Args: Args{
			Emulation: MachineTypeNone,
			Output:    "a.out",
			ImageBase: 0x200000,
			Entry:     "_start",
		},
		Visited:        utils.NewMapSet[string](),
		FilePriority:   10000,
		DefaultVersion: VER_NDX_UNSPECIFIED,
	}
	_ = env.Parse(&ctx.Env)
	return ctx
}

// Errorf queues a link error; parallel passes call it freely.
func (ctx *Context) Errorf(format string, args ...any) {
	ctx.errMu.Lock()
	ctx.errors = append(ctx.errors, errors.Errorf(format, args...))
	ctx.errMu.Unlock()
}

// Warnf queues a warning; warnings never abort the link.
func (ctx *Context) Warnf(format string, args ...any) {
	ctx.errMu.Lock()
	ctx.warnings = append(ctx.warnings, errors.Errorf(format, args...))
	ctx.errMu.Unlock()
}

// Checkpoint drains the error queue. A non-nil result means the link
// must not proceed to the next phase.
func (ctx *Context) Checkpoint() error {
	ctx.errMu.Lock()
	defer ctx.errMu.Unlock()
	if len(ctx.errors) == 0 {
		return nil
	}
	err := ctx.errors[0]
	for _, e := range ctx.errors[1:] {
		err = errors.Wrap(err, e.Error())
	}
	ctx.errors = nil
	return err
}

// Warnings drains and returns the accumulated warnings.
func (ctx *Context) Warnings() []error {
	ctx.errMu.Lock()
	defer ctx.errMu.Unlock()
	ws := ctx.warnings
	ctx.warnings = nil
	return ws
}
