// Command redirects patches the kernel image so that selected Go runtime
// functions jump to kernel replacements. Replacement functions are tagged
// with a "//go:redirect-from runtime.symbol" comment; the tool resolves both
// symbols in the linked image and writes (src, dst) address pairs into the
// .goredirectstbl section read by the boot code.
package main

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	redirectDirective = "//go:redirect-from"
	redirectSection   = ".goredirectstbl"
)

var errNoModule = errors.New("go.mod does not declare a module path")

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err.Error())
	os.Exit(1)
}

// modulePath returns the module path declared by the go.mod file in dir.
func modulePath(dir string) (string, error) {
	f, err := os.Open(filepath.Join(dir, "go.mod"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", err
	}

	return "", errNoModule
}

// collectGoFiles returns the non-test Go files below root.
func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects parses goFiles (paths relative to the module root) and
// returns the redirects they declare, sorted by source symbol.
func findRedirects(module string, goFiles []string) ([]*redirect, error) {
	var (
		g         errgroup.Group
		mu        sync.Mutex
		redirects []*redirect
	)

	for _, goFile := range goFiles {
		goFile := goFile
		g.Go(func() error {
			found, err := fileRedirects(module, goFile)
			if err != nil {
				return err
			}

			mu.Lock()
			redirects = append(redirects, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(redirects, func(i, j int) bool { return redirects[i].src < redirects[j].src })
	return redirects, nil
}

func fileRedirects(module, goFile string) ([]*redirect, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", goFile, err)
	}

	var (
		redirects []*redirect
		pkgPath   = path.Join(module, filepath.ToSlash(filepath.Dir(goFile)))
	)

	for _, decl := range f.Decls {
		fnDecl, ok := decl.(*ast.FuncDecl)
		if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
			continue
		}

		for _, comment := range fnDecl.Doc.List {
			if !strings.HasPrefix(comment.Text, redirectDirective) {
				continue
			}

			fqName := pkgPath + "." + fnDecl.Name.Name
			fields := strings.Fields(comment.Text)
			if len(fields) != 2 || fields[0] != redirectDirective {
				return nil, fmt.Errorf("%s: malformed go:redirect-from syntax for %q", fset.Position(comment.Pos()), fqName)
			}

			redirects = append(redirects, &redirect{src: fields[1], dst: fqName})
		}
	}

	return redirects, nil
}

// resolveSymbols fills in the addresses of every redirect using the symbol
// table of imgFile.
func resolveSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	addrs := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		addrs[symbol.Name] = symbol.Value
	}

	for _, redirect := range redirects {
		redirect.srcVMA, redirect.dstVMA = addrs[redirect.src], addrs[redirect.dst]

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return nil
}

// writeTable stores the resolved redirects in the redirect section of
// imgFile.
func writeTable(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	section := f.Section(redirectSection)
	f.Close()

	if section == nil {
		return fmt.Errorf("%s: missing %s section", imgFile, redirectSection)
	}
	if need := uint64(len(redirects)) * 16; need > section.Size {
		return fmt.Errorf("%s: %s section holds %d bytes; %d redirects need %d", imgFile, redirectSection, section.Size, len(redirects), need)
	}

	out, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err = out.Seek(int64(section.Offset), io.SeekStart); err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	for _, redirect := range redirects {
		if err = binary.Write(w, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return err
		}
	}
	return w.Flush()
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: redirects count | list | populate-table kernel-image\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if matches, _ := filepath.Glob("kernel/"); len(matches) != 1 {
		exit(errors.New("this tool must be run from the module root folder"))
	}
	if flag.NArg() == 0 {
		exit(errors.New("missing command"))
	}

	cmd := flag.Arg(0)
	var imgFile string
	switch cmd {
	case "count", "list":
	case "populate-table":
		if flag.NArg() != 2 {
			exit(errors.New("populate-table requires the path to the kernel image as an argument"))
		}
		imgFile = flag.Arg(1)
	default:
		exit(fmt.Errorf("unknown command %q", cmd))
	}

	module, err := modulePath(".")
	if err != nil {
		exit(err)
	}

	goFiles, err := collectGoFiles("kernel")
	if err != nil {
		exit(err)
	}

	redirects, err := findRedirects(module, goFiles)
	if err != nil {
		exit(err)
	}

	switch cmd {
	case "count":
		fmt.Printf("%d", len(redirects))
	case "list":
		for _, redirect := range redirects {
			fmt.Printf("%s -> %s\n", redirect.src, redirect.dst)
		}
	default:
		if err = resolveSymbols(redirects, imgFile); err != nil {
			exit(err)
		}
		if err = writeTable(redirects, imgFile); err != nil {
			exit(err)
		}
	}
}
