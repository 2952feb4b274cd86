package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ksora/weld/pkg/linker"
)

func init() {
	log.SetHandler(clihander.Default)
}

func parseEmulation(s string) (linker.MachineType, error) {
	switch s {
	case "elf_x86_64":
		return linker.MachineTypeX86_64, nil
	case "aarch64linux", "aarch64elf":
		return linker.MachineTypeAArch64, nil
	case "elf64lriscv":
		return linker.MachineTypeRISCV64, nil
	}
	return linker.MachineTypeNone, errors.Errorf("unknown -m argument: %s", s)
}

func main() {
	ctx := linker.NewContext()
	ctx.CmdLine = os.Args

	var emulation string
	var libraries []string
	var defsyms []string
	var hashStyle string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "weld [flags] file...",
		Short:         "A parallel ELF linker",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}

			if emulation != "" {
				mt, err := parseEmulation(emulation)
				if err != nil {
					return err
				}
				ctx.Args.Emulation = mt
			}

			inputs := make([]string, 0, len(args)+len(libraries))
			inputs = append(inputs, args...)
			for _, lib := range libraries {
				inputs = append(inputs, "-l"+lib)
			}

			if ctx.Args.Emulation == linker.MachineTypeNone {
				for _, filename := range args {
					file := linker.MustNewFile(filename)
					ctx.Args.Emulation = linker.GetMachineTypeFromContents(file.Contents)
					if ctx.Args.Emulation != linker.MachineTypeNone {
						break
					}
				}
			}

			for _, d := range defsyms {
				name, expr, ok := strings.Cut(d, "=")
				if !ok {
					return errors.Errorf("--defsym: syntax error: %s", d)
				}
				ctx.Args.Defsyms = append(ctx.Args.Defsyms, [2]string{name, expr})
			}

			switch hashStyle {
			case "sysv":
				ctx.Args.HashStyleSysv = true
			case "gnu":
				ctx.Args.HashStyleGnu = true
			case "both":
				ctx.Args.HashStyleSysv = true
				ctx.Args.HashStyleGnu = true
			case "none":
			default:
				return errors.Errorf("unknown --hash-style: %s", hashStyle)
			}

			if ctx.Args.Shared {
				ctx.Args.Pic = true
			}

			log.WithFields(log.Fields{
				"output": ctx.Args.Output,
				"inputs": len(inputs),
			}).Debug("reading input files")

			if err := linker.ReadInputFiles(ctx, inputs); err != nil {
				return err
			}

			fileSize, err := linker.Link(ctx)
			for _, w := range ctx.Warnings() {
				log.Warn(w.Error())
			}
			if err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"output": ctx.Args.Output,
				"size":   strconv.FormatUint(fileSize, 10),
			}).Debug("writing output")

			return linker.WriteOutput(ctx, fileSize)
		},
	}

	flags := rootCmd.Flags()
	flags.SetInterspersed(false)

	flags.StringVarP(&ctx.Args.Output, "output", "o", "a.out", "output file")
	flags.StringVarP(&emulation, "emulation", "m", "", "target emulation")
	flags.StringArrayVarP(&ctx.Args.LibraryPaths, "library-path", "L", nil, "library search path")
	flags.StringArrayVarP(&libraries, "library", "l", nil, "library to link against")
	flags.StringVar(&ctx.Args.Entry, "entry", "_start", "entry point symbol")
	flags.StringArrayVarP(&ctx.Args.Undefined, "undefined", "u", nil, "force the symbol to be undefined")
	flags.StringArrayVar(&ctx.Args.RequireDefined, "require-defined", nil, "require the symbol to be defined")
	flags.StringArrayVar(&defsyms, "defsym", nil, "define a symbol (name=expr)")
	flags.StringArrayVar(&ctx.Args.ExcludeLibs, "exclude-libs", nil, "exclude archive symbols from export")
	flags.BoolVar(&ctx.Args.Shared, "shared", false, "create a shared library")
	flags.BoolVar(&ctx.Args.Pic, "pie", false, "create a position-independent executable")
	flags.BoolVar(&ctx.Args.Static, "static", false, "do not link against shared libraries")
	flags.BoolVar(&ctx.Args.Bsymbolic, "Bsymbolic", false, "bind global references locally")
	flags.BoolVar(&ctx.Args.BsymbolicFunctions, "Bsymbolic-functions", false, "bind function references locally")
	flags.BoolVar(&ctx.Args.AsNeeded, "as-needed", false, "only link needed shared libraries")
	flags.BoolVar(&ctx.Args.EhFrameHdr, "eh-frame-hdr", false, "create .eh_frame_hdr")
	flags.BoolVar(&ctx.Args.BuildId, "build-id", false, "generate a build ID note")
	flags.BoolVar(&ctx.Args.Repro, "repro", false, "embed the command line for reproduction")
	flags.StringVar(&ctx.Args.Soname, "soname", "", "shared object name")
	flags.StringVar(&ctx.Args.DynamicLinker, "dynamic-linker", "", "path of the dynamic linker")
	flags.Uint64Var(&ctx.Args.ImageBase, "image-base", 0x200000, "base address of the output image")
	flags.StringVar(&hashStyle, "hash-style", "sysv", "dynamic hash style (sysv, gnu, both, none)")
	flags.BoolVarP(&verbose, "verbose", "V", false, "verbose output")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err.Error())
	}
}
