package linker

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/ksora/weld/pkg/utils"
)

func ReadInputFiles(ctx *Context, args []string) error {
	for _, arg := range args {
		var ok bool
		if arg, ok = utils.RemovePrefix(arg, "-l"); ok {
			file, err := FindLibrary(ctx, arg)
			if err != nil {
				return err
			}
			if err := ReadFile(ctx, file); err != nil {
				return err
			}
		} else {
			if err := ReadFile(ctx, MustNewFile(arg)); err != nil {
				return err
			}
		}
	}

	if len(ctx.Objs) == 0 {
		return errors.New("no input files")
	}
	return nil
}

func ReadFile(ctx *Context, file *File) error {
	if ctx.Visited.Contains(file.Name) {
		return nil
	}

	switch GetFileType(file.Contents) {
	case FileTypeObject:
		obj, err := CreateObjectFile(ctx, file, "")
		if err != nil {
			return err
		}
		ctx.Objs = append(ctx.Objs, obj)
	case FileTypeDso:
		dso, err := CreateSharedFile(ctx, file)
		if err != nil {
			return err
		}
		ctx.Dsos = append(ctx.Dsos, dso)
		ctx.Visited.Add(file.Name)
	case FileTypeAr, FileTypeThinAr:
		members, err := ReadArchiveMembers(file)
		if err != nil {
			return err
		}
		for _, child := range members {
			if GetFileType(child.Contents) != FileTypeObject {
				return errors.Errorf("%s: %s: unknown file type in archive",
					file.Name, child.Name)
			}
			obj, err := CreateObjectFile(ctx, child, file.Name)
			if err != nil {
				return err
			}
			ctx.Objs = append(ctx.Objs, obj)
		}
		ctx.Visited.Add(file.Name)
	default:
		return errors.Errorf("%s: unknown file type", file.Name)
	}
	return nil
}

func CreateObjectFile(ctx *Context, file *File, archiveName string) (*ObjectFile, error) {
	if err := CheckFileCompatibility(ctx, file); err != nil {
		return nil, err
	}

	inLib := len(archiveName) > 0
	obj := NewObjectFile(file, inLib)
	obj.ArchiveName = archiveName
	obj.Priority = ctx.FilePriority
	ctx.FilePriority++

	obj.parse(ctx)
	return obj, nil
}

func CreateSharedFile(ctx *Context, file *File) (*SharedFile, error) {
	if err := CheckFileCompatibility(ctx, file); err != nil {
		return nil, err
	}

	dso := NewSharedFile(ctx, file)
	dso.Priority = ctx.FilePriority
	ctx.FilePriority++

	dso.parse(ctx)
	return dso, nil
}

// ApplyExcludeLibs hides every global coming from the named archives
// from the dynamic symbol table.
func ApplyExcludeLibs(ctx *Context) {
	if len(ctx.Args.ExcludeLibs) == 0 {
		return
	}

	set := utils.NewMapSet[string]()
	all := false
	for _, name := range ctx.Args.ExcludeLibs {
		if name == "ALL" {
			all = true
		}
		set.Add(name)
	}

	for _, file := range ctx.Objs {
		if file.ArchiveName == "" {
			continue
		}
		if all || set.Contains(filepath.Base(file.ArchiveName)) {
			for _, sym := range file.GetGlobalSyms() {
				if sym.File == file {
					sym.VerIdx = VER_NDX_LOCAL
				}
			}
		}
	}
}
