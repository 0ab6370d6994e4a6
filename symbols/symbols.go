// Package symbols resolves the runtime address of a symbol inside another
// process from its memory map and the ELF image backing the mapping.
package symbols

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

var ErrNotFound = errors.New("symbols: not found")

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Perms  string
	Path   string
}

// ParseMaps reads the /proc/<pid>/maps format. Anonymous and pseudo
// mappings are skipped.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}

		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := strconv.ParseUint(rangeParts[0], 16, 64)
		end, endErr := strconv.ParseUint(rangeParts[1], 16, 64)
		offset, offsetErr := strconv.ParseUint(fields[2], 16, 64)
		if startErr != nil || endErr != nil || offsetErr != nil {
			continue
		}

		path := strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		if !strings.HasPrefix(path, "/") {
			continue
		}

		mappings = append(mappings, Mapping{
			Start:  start,
			End:    end,
			Offset: offset,
			Perms:  fields[1],
			Path:   path,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("symbols: read maps: %w", err)
	}
	return mappings, nil
}

// Resolver looks symbols up in live processes. Fs is where /proc and the
// mapped images are read from.
type Resolver struct {
	Fs       afero.Fs
	ProcRoot string
}

func NewResolver() *Resolver {
	return &Resolver{Fs: afero.NewOsFs(), ProcRoot: "/proc"}
}

// Resolve returns the address of symbol in the module of process pid whose
// path contains module. An empty module selects the C library.
func (resolver *Resolver) Resolve(pid int, module string, symbol string) (uint64, error) {
	mapsPath := fmt.Sprintf("%s/%d/maps", resolver.ProcRoot, pid)
	f, err := resolver.Fs.Open(mapsPath)
	if err != nil {
		return 0, fmt.Errorf("symbols: open %s: %w", mapsPath, err)
	}
	mappings, err := ParseMaps(f)
	_ = f.Close()
	if err != nil {
		return 0, err
	}

	mapping, err := selectModule(mappings, module)
	if err != nil {
		return 0, err
	}

	image, err := resolver.Fs.Open(mapping.Path)
	if err != nil {
		return 0, fmt.Errorf("symbols: open %s: %w", mapping.Path, err)
	}
	defer image.Close()

	file, err := elf.NewFile(image)
	if err != nil {
		return 0, fmt.Errorf("symbols: parse elf %s: %w", mapping.Path, err)
	}
	defer file.Close()

	value, err := SymbolValue(file, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w in %s", err, mapping.Path)
	}
	bias, err := LoadBias(file, mapping)
	if err != nil {
		return 0, err
	}
	return bias + value, nil
}

func selectModule(mappings []Mapping, module string) (Mapping, error) {
	bestScore := -1
	var best Mapping
	for _, mapping := range mappings {
		score := moduleScore(mapping.Path, module)
		if score < 0 {
			continue
		}
		if score > bestScore ||
			(score == bestScore && mapping.Path == best.Path && mapping.Offset < best.Offset) {
			bestScore = score
			best = mapping
		}
	}
	if bestScore < 0 {
		if module == "" {
			module = "libc"
		}
		return Mapping{}, fmt.Errorf("%w: no mapping for module %q", ErrNotFound, module)
	}
	return best, nil
}

func moduleScore(path string, module string) int {
	if module != "" {
		if strings.Contains(path, module) {
			return 0
		}
		return -1
	}

	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "libc.so"):
		return 100
	case strings.Contains(p, "libc-"):
		return 95
	case strings.Contains(p, "ld-musl"):
		return 90
	case strings.Contains(p, "musl"):
		return 85
	default:
		return -1
	}
}

// SymbolValue finds symbol in the dynamic or the static symbol table.
// Versioned names such as printf@@GLIBC_2.2.5 match their base name.
func SymbolValue(file *elf.File, symbol string) (uint64, error) {
	if syms, err := file.DynamicSymbols(); err == nil {
		if value, ok := matchSymbol(syms, symbol); ok {
			return value, nil
		}
	}
	if syms, err := file.Symbols(); err == nil {
		if value, ok := matchSymbol(syms, symbol); ok {
			return value, nil
		}
	}
	return 0, fmt.Errorf("%w: symbol %s", ErrNotFound, symbol)
}

func matchSymbol(symbols []elf.Symbol, want string) (uint64, bool) {
	for _, s := range symbols {
		if s.Value == 0 {
			continue
		}
		if s.Name == want || strings.HasPrefix(s.Name, want+"@") {
			return s.Value, true
		}
	}
	return 0, false
}

// LoadBias is the difference between where mapping placed the image and the
// virtual addresses the image was linked at. Loadable segments keep their
// file offset and virtual address congruent modulo the page size, so the
// page-aligned mapping offset translates directly.
func LoadBias(file *elf.File, mapping Mapping) (uint64, error) {
	const pageMask = 0xfff
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if mapping.Offset < prog.Off&^pageMask || mapping.Offset >= prog.Off+prog.Filesz {
			continue
		}
		linked := prog.Vaddr - prog.Off + mapping.Offset
		return mapping.Start - linked, nil
	}
	return 0, fmt.Errorf("symbols: no loadable segment covers offset 0x%x of %s", mapping.Offset, mapping.Path)
}
