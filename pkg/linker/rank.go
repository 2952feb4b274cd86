package linker

// Resolution tie-break. A lower rank wins. The tier order is total:
// strong defined beats weak defined beats common beats lazy (archive
// member) beats DSO beats undefined; within a tier the earlier
// priority wins.
const (
	rankStrong     uint64 = 1 << 24
	rankWeak       uint64 = 2 << 24
	rankCommon     uint64 = 3 << 24
	rankLazy       uint64 = 4 << 24
	rankDso        uint64 = 5 << 24
	rankUndef      uint64 = 6 << 24
	RankUnresolved uint64 = 7 << 24
)

func GetRank(file *InputFile, esym *Sym, isLazy bool) uint64 {
	if esym.IsUndef() {
		return rankUndef + uint64(file.Priority)
	}
	if file.IsDso {
		return rankDso + uint64(file.Priority)
	}
	if isLazy {
		return rankLazy + uint64(file.Priority)
	}
	if esym.IsCommon() {
		return rankCommon + uint64(file.Priority)
	}
	if esym.IsWeak() {
		return rankWeak + uint64(file.Priority)
	}
	return rankStrong + uint64(file.Priority)
}
