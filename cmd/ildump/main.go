// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

// ildump walks a CLI assembly and prints its metadata and method bodies.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/cilpe/mddecoder"
)

func main() {
	fs := flag.NewFlagSet("ildump", flag.ExitOnError)
	var (
		verbose = fs.Bool("verbose", false,
			"Enable verbose logging and debugging capabilities.")
		dumpIL = fs.Bool("il", false,
			"Dump the IL code bytes of each method body.")
		dumpEH = fs.Bool("eh", false,
			"Dump the exception handling clauses of each method body.")
		dumpStrings = fs.Bool("strings", false,
			"Dump the user string literals of the module.")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("ILDUMP")); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: ildump [flags] <assembly>\n")
		fs.PrintDefaults()
		os.Exit(2)
	}

	if err := dump(fs.Arg(0), *dumpIL, *dumpEH, *dumpStrings); err != nil {
		log.Fatalf("%v", err)
	}
}

func dump(path string, dumpIL, dumpEH, dumpStrings bool) error {
	loader, err := mddecoder.Open(path)
	if err != nil {
		return err
	}
	defer loader.Close()

	module, err := loader.Module()
	if err != nil {
		return err
	}
	fmt.Printf("module %s (%v, mvid %s)\n", module.Name, module.Token, module.MVID)
	fmt.Printf("image id %v\n", loader.Image().FileID())

	assemblyRefs, err := loader.AssemblyRefs()
	if err != nil {
		return err
	}
	for _, ref := range assemblyRefs {
		fmt.Printf("assembly ref %v %s\n", ref.Token, ref.Name)
	}
	moduleRefs, err := loader.ModuleRefs()
	if err != nil {
		return err
	}
	for _, ref := range moduleRefs {
		fmt.Printf("module ref %v %s\n", ref.Token, ref.Name)
	}

	if dumpStrings {
		userStrings, err := loader.UserStrings()
		if err != nil {
			return err
		}
		for _, us := range userStrings {
			fmt.Printf("string %v %q\n", us.Token, us.Name)
		}
	}

	typeDefs, err := loader.TypeDefs()
	if err != nil {
		return err
	}
	for _, td := range typeDefs {
		fmt.Printf("type %v %s\n", td.Token, td.Name)
		if err := dumpType(loader, td.Token, dumpIL, dumpEH); err != nil {
			return err
		}
	}

	typeSpecs, err := loader.TypeSpecs()
	if err != nil {
		return err
	}
	for _, spec := range typeSpecs {
		fmt.Printf("type spec %v %s%s\n", spec.Token, spec.BaseType, spec.Decls)
	}
	return nil
}

func dumpType(loader *mddecoder.Loader, class mddecoder.Token, dumpIL, dumpEH bool) error {
	fields, err := loader.Fields(class)
	if err != nil {
		return err
	}
	for _, field := range fields {
		fmt.Printf("  field %v %s\n", field.Token, field.Name)
	}

	methods, err := loader.Methods(class)
	if err != nil {
		return err
	}
	for _, method := range methods {
		props, err := loader.GetMethodProps(method)
		if err != nil {
			return err
		}
		fmt.Printf("  method %v %s(%s)\n", method, props.Name, paramList(props.Signature))
		if !props.Code.IsIL() {
			continue
		}
		fmt.Printf("    code size %d, max stack %d, %d locals\n",
			props.Code.CodeSize, props.Code.MaxStack, len(props.Code.LocalVarBaseTypes))
		if dumpIL {
			fmt.Printf("    il %x\n", props.Code.Code)
		}
		if dumpEH {
			for _, clause := range props.Code.EH.Clauses {
				fmt.Printf("    %s try [%d,%d) handler [%d,%d) param %v\n",
					clause.Kind, clause.TryOffset, clause.TryOffset+clause.TryLength,
					clause.HandlerOffset, clause.HandlerOffset+clause.HandlerLength,
					clause.Param)
			}
		}
	}

	memberRefs, err := loader.MemberRefs(class)
	if err != nil {
		return err
	}
	for _, ref := range memberRefs {
		if ref.Signature == nil {
			fmt.Printf("  member ref %v %s (field)\n", ref.Token, ref.Name)
		} else {
			fmt.Printf("  member ref %v %s(%s)\n", ref.Token, ref.Name,
				paramList(ref.Signature))
		}
	}
	return nil
}

func paramList(sig *mddecoder.MethodSignature) string {
	params := make([]string, len(sig.ParamBaseTypes))
	for i, base := range sig.ParamBaseTypes {
		params[i] = base.String() + sig.ParamDeclarators[i]
	}
	return strings.Join(params, ", ")
}
