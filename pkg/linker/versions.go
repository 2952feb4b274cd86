package linker

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"
	"github.com/ksora/weld/pkg/utils"
)

// globToRegex translates one version-script glob into regex source.
func globToRegex(pat string) string {
	var sb strings.Builder
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			sb.WriteByte('[')
		case ']':
			sb.WriteByte(']')
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// compileGlobs compiles a pattern list into a single alternation, one
// regex per clause. nil means the list was empty or did not compile;
// a compile failure is queued as an error.
func compileGlobs(ctx *Context, pats []string) *regexp.Regexp {
	if len(pats) == 0 {
		return nil
	}

	srcs := make([]string, 0, len(pats))
	for _, pat := range pats {
		srcs = append(srcs, globToRegex(pat))
	}

	re, err := regexp.Compile("^(" + strings.Join(srcs, "|") + ")$")
	if err != nil {
		ctx.Errorf("invalid version pattern: %s", strings.Join(pats, ", "))
		return nil
	}
	return re
}

func isLiteralPattern(pat string) bool {
	return !strings.ContainsAny(pat, "*?[")
}

var demangleCache, _ = lru.New[string, string](4096)

func demangleName(name string) string {
	if out, ok := demangleCache.Get(name); ok {
		return out
	}
	out, err := demangle.ToString(name)
	if err != nil {
		out = name
	}
	demangleCache.Add(name, out)
	return out
}

// ApplyVersionScript assigns version indices from the compiled version
// script. Glob clauses run first so that exact names take precedence
// over wildcards regardless of clause order; demangled C++ patterns
// match against the demangled form of each global.
func ApplyVersionScript(ctx *Context) {
	type compiled struct {
		re     *regexp.Regexp
		cppRe  *regexp.Regexp
		verIdx uint16
	}

	var clauses []compiled
	for _, elem := range ctx.Args.VersionPatterns {
		var globs []string
		for _, pat := range elem.Patterns {
			if !isLiteralPattern(pat) {
				globs = append(globs, pat)
			}
		}
		if len(globs) == 0 && len(elem.CppPatterns) == 0 {
			continue
		}
		clauses = append(clauses, compiled{
			re:     compileGlobs(ctx, globs),
			cppRe:  compileGlobs(ctx, elem.CppPatterns),
			verIdx: elem.VerIdx,
		})
	}

	if len(clauses) > 0 {
		utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
			for _, sym := range file.GetGlobalSyms() {
				if sym.File != file {
					continue
				}
				for _, c := range clauses {
					if c.re != nil && c.re.MatchString(sym.Name) {
						sym.VerIdx = c.verIdx
						continue
					}
					if c.cppRe != nil && c.cppRe.MatchString(demangleName(sym.Name)) {
						sym.VerIdx = c.verIdx
					}
				}
			}
		})
	}

	for _, elem := range ctx.Args.VersionPatterns {
		for _, pat := range elem.Patterns {
			if !isLiteralPattern(pat) {
				continue
			}
			sym := GetSymbolByName(ctx, pat)
			if sym.File != nil && !sym.File.Base().IsDso {
				sym.VerIdx = elem.VerIdx
			}
		}
	}
}

// ParseSymbolVersions resolves the `sym@ver`/`sym@@ver` suffixes
// recorded at parse time against Args.VersionDefinitions. Only a shared
// output carries version definitions of its own.
func ParseSymbolVersions(ctx *Context) {
	if !ctx.Args.Shared {
		return
	}

	verdefs := make(map[string]uint16, len(ctx.Args.VersionDefinitions))
	for i, name := range ctx.Args.VersionDefinitions {
		verdefs[name] = uint16(i) + VER_NDX_LAST_RESERVED + 1
	}

	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for i := int64(0); i < int64(len(file.Symbols))-file.FirstGlobal; i++ {
			if i >= int64(len(file.Symvers)) || file.Symvers[i] == "" {
				continue
			}

			sym := file.Symbols[i+file.FirstGlobal]
			if sym.File != file {
				continue
			}

			ver := file.Symvers[i]
			isDefault := false
			if strings.HasPrefix(ver, "@") {
				isDefault = true
				ver = ver[1:]
			}

			idx, ok := verdefs[ver]
			if !ok {
				ctx.Errorf("%s: symbol %s has undefined version %s",
					file.Name(), sym.Name, ver)
				continue
			}

			sym.VerIdx = idx
			if !isDefault {
				sym.VerIdx |= VERSYM_HIDDEN
			}
		}
	})
}
