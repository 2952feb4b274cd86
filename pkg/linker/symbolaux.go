package linker

// SymbolAux carries the per-symbol slot numbers in the auxiliary
// tables. Only symbols that end up needing a slot get an entry.
type SymbolAux struct {
	GotIdx     int32
	GotTpIdx   int32
	TlsGdIdx   int32
	TlsDescIdx int32
	PltIdx     int32
	PltGotIdx  int32
	DynsymIdx  int32
}

func NewSymbolAux() SymbolAux {
	return SymbolAux{
		GotIdx:     -1,
		GotTpIdx:   -1,
		TlsGdIdx:   -1,
		TlsDescIdx: -1,
		PltIdx:     -1,
		PltGotIdx:  -1,
		DynsymIdx:  -1,
	}
}
