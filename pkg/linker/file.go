package linker

import (
	"os"

	"github.com/pkg/errors"
	"github.com/ksora/weld/pkg/utils"
)

type File struct {
	Name     string
	Contents []byte

	Parent *File
}

func MustNewFile(filename string) *File {
	contents, err := os.ReadFile(filename)
	utils.MustNo(err)
	return &File{
		Name:     filename,
		Contents: contents,
	}
}

func OpenLibrary(path string) *File {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	return &File{Name: path, Contents: contents}
}

func FindLibrary(ctx *Context, name string) (*File, error) {
	for _, dir := range ctx.Args.LibraryPaths {
		stem := dir + "/lib" + name
		if !ctx.Args.Static {
			if f := OpenLibrary(stem + ".so"); f != nil {
				return f, nil
			}
		}
		if f := OpenLibrary(stem + ".a"); f != nil {
			return f, nil
		}
	}

	return nil, errors.Errorf("library not found: -l%s", name)
}
