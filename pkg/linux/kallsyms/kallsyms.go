package kallsyms

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

type Symbol struct {
	Addr   uint64
	Name   string
	Module string
}

func (s Symbol) String() string {
	if s.Module == "" {
		return s.Name
	}
	return s.Name + " " + s.Module
}

// Resolver maps kernel text addresses to the symbol they belong to.
type Resolver struct {
	symbols []Symbol
}

// NewResolver parses the /proc/kallsyms format. Only text symbols are kept.
func NewResolver(r io.Reader) (*Resolver, error) {
	res := &Resolver{}
	sorted := true

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 && len(fields) != 4 {
			return nil, fmt.Errorf("malformed kallsyms line %q", scanner.Text())
		}

		switch fields[1] {
		case "t", "T", "w", "W":
		default:
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse address of kallsyms line %q: %w", scanner.Text(), err)
		}

		sym := Symbol{Addr: addr, Name: fields[2]}
		if len(fields) == 4 {
			sym.Module = fields[3]
		}

		if n := len(res.symbols); n > 0 && res.symbols[n-1].Addr > addr {
			sorted = false
		}
		res.symbols = append(res.symbols, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read kallsyms: %w", err)
	}

	if !sorted {
		sort.SliceStable(res.symbols, func(i, j int) bool {
			return res.symbols[i].Addr < res.symbols[j].Addr
		})
	}
	return res, nil
}

// Load reads /proc/kallsyms.
func Load() (*Resolver, error) {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewResolver(f)
}

// Resolve returns the symbol containing addr.
func (r *Resolver) Resolve(addr uint64) (Symbol, bool) {
	pos := sort.Search(len(r.symbols), func(i int) bool {
		return r.symbols[i].Addr > addr
	})
	if pos == 0 {
		return Symbol{}, false
	}
	return r.symbols[pos-1], true
}

// Restricted reports that kptr_restrict hid the addresses: every symbol reads as zero.
func (r *Resolver) Restricted() bool {
	return len(r.symbols) == 0 || r.symbols[len(r.symbols)-1].Addr == 0
}

func (r *Resolver) Size() int {
	return len(r.symbols)
}
