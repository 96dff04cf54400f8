package scan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxPortsPerSet caps cardinality; the full TCP range is allowed.
const MaxPortsPerSet = 65536

// PortSet is an ordered, duplicate-free collection of ports in [1, 65535].
type PortSet struct {
	ports []int
}

// NewPortSet validates, dedupes, and orders the given ports.
func NewPortSet(ports []int) (*PortSet, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no ports requested", ErrInvalidPortSet)
	}
	seen := make(map[int]bool, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidPortSet, p)
		}
		if seen[p] {
			return nil, fmt.Errorf("%w: duplicate port %d", ErrInvalidPortSet, p)
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) > MaxPortsPerSet {
		return nil, fmt.Errorf("%w: %d ports exceeds limit of %d", ErrInvalidPortSet, len(out), MaxPortsPerSet)
	}
	sort.Ints(out)
	return &PortSet{ports: out}, nil
}

// ParsePortSpec parses a comma-separated spec of singletons and N-M ranges,
// e.g. "22,80,8000-8100". Ranges are inclusive. Duplicates across elements
// collapse silently; duplicates are only an error in explicit lists.
func ParsePortSpec(spec string) (*PortSet, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty port spec", ErrInvalidPortSet)
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, err := parsePortElement(part)
		if err != nil {
			return nil, err
		}
		for p := lo; p <= hi; p++ {
			seen[p] = true
			if len(seen) > MaxPortsPerSet {
				return nil, fmt.Errorf("%w: spec expands past limit of %d ports", ErrInvalidPortSet, MaxPortsPerSet)
			}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: empty port spec", ErrInvalidPortSet)
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return &PortSet{ports: ports}, nil
}

func parsePortElement(part string) (int, int, error) {
	if lo, hi, ok := strings.Cut(part, "-"); ok {
		start, err := parsePort(lo)
		if err != nil {
			return 0, 0, err
		}
		end, err := parsePort(hi)
		if err != nil {
			return 0, 0, err
		}
		if end < start {
			return 0, 0, fmt.Errorf("%w: inverted range %s", ErrInvalidPortSet, part)
		}
		return start, end, nil
	}
	p, err := parsePort(part)
	return p, p, err
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a port number", ErrInvalidPortSet, s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: port %d out of range", ErrInvalidPortSet, p)
	}
	return p, nil
}

// Ports returns the ordered port list. Callers must not mutate it.
func (ps *PortSet) Ports() []int { return ps.ports }

// Len returns the cardinality of the set.
func (ps *PortSet) Len() int { return len(ps.ports) }

// Contains reports membership via binary search.
func (ps *PortSet) Contains(port int) bool {
	i := sort.SearchInts(ps.ports, port)
	return i < len(ps.ports) && ps.ports[i] == port
}

// String renders the set back into compact spec form (ranges collapsed).
func (ps *PortSet) String() string {
	var b strings.Builder
	for i := 0; i < len(ps.ports); {
		j := i
		for j+1 < len(ps.ports) && ps.ports[j+1] == ps.ports[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j > i+1 {
			fmt.Fprintf(&b, "%d-%d", ps.ports[i], ps.ports[j])
		} else {
			for k := i; k <= j; k++ {
				if k > i {
					b.WriteByte(',')
				}
				b.WriteString(strconv.Itoa(ps.ports[k]))
			}
		}
		i = j + 1
	}
	return b.String()
}
