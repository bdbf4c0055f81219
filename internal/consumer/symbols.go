package consumer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Symbolizer names kernel function addresses.
type Symbolizer interface {
	Lookup(addr uint64) (string, bool)
}

type symbol struct {
	addr uint64
	name string
}

// Kallsyms resolves addresses against a /proc/kallsyms snapshot. Only text
// symbols are kept; an address resolves to the closest symbol at or below it.
type Kallsyms struct {
	syms []symbol
}

// LoadKallsyms reads the symbol table at path.
func LoadKallsyms(path string) (*Kallsyms, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open kallsyms: %w", err)
	}
	defer f.Close()
	return ParseKallsyms(f)
}

// ParseKallsyms parses the "addr type name [module]" format. A table whose
// addresses are all hidden (kptr_restrict) yields an empty, usable Kallsyms.
func ParseKallsyms(r io.Reader) (*Kallsyms, error) {
	k := &Kallsyms{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		switch fields[1] {
		case "T", "t", "W", "w":
		default:
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		k.syms = append(k.syms, symbol{addr: addr, name: fields[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read kallsyms: %w", err)
	}
	sort.Slice(k.syms, func(i, j int) bool { return k.syms[i].addr < k.syms[j].addr })
	return k, nil
}

// Len returns the number of symbols loaded.
func (k *Kallsyms) Len() int { return len(k.syms) }

func (k *Kallsyms) Lookup(addr uint64) (string, bool) {
	i := sort.Search(len(k.syms), func(i int) bool { return k.syms[i].addr > addr })
	if i == 0 {
		return "", false
	}
	return k.syms[i-1].name, true
}
