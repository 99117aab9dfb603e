// Package loader loads a compiled BPF object into the kernel and attaches
// its programs according to their section names.
package loader

import (
	"fmt"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/kyleseneker/pybpfc/internal/diag"
)

// Loaded holds the kernel resources obtained after a successful load.
type Loaded struct {
	Objects *ebpf.Collection
	Links   []link.Link
}

// Load verifies and loads every map and program in the object without
// attaching anything.
func Load(objectPath string) (*Loaded, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, &diag.Error{
			Stage: diag.StageLoad,
			Err:   err,
			Hint:  "loading BPF objects requires CAP_BPF or root",
		}
	}
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StageLoad, Err: fmt.Errorf("load collection spec: %w", err)}
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StageLoad, Err: fmt.Errorf("new collection: %w", err)}
	}
	return &Loaded{Objects: coll}, nil
}

// LoadAndAttach loads the object and attaches every program whose section
// prefix names an attach point this loader understands (tracepoint and
// kprobe). XDP programs need an interface and are left unattached here.
func LoadAndAttach(objectPath string) (*Loaded, error) {
	loaded, err := Load(objectPath)
	if err != nil {
		return nil, err
	}
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		loaded.Close()
		return nil, &diag.Error{Stage: diag.StageLoad, Err: err}
	}
	for name, progSpec := range spec.Programs {
		prog := loaded.Objects.Programs[name]
		if prog == nil {
			continue
		}
		lnk, err := attachBySection(prog, progSpec.SectionName)
		if err != nil {
			loaded.Close()
			return nil, &diag.Error{
				Stage: diag.StageLoad,
				Err:   fmt.Errorf("attach %s (%s): %w", name, progSpec.SectionName, err),
			}
		}
		if lnk != nil {
			loaded.Links = append(loaded.Links, lnk)
		}
	}
	return loaded, nil
}

// attachBySection picks the attach mechanism from the ELF section string.
// A nil link with nil error means the section needs caller-supplied
// parameters (e.g. xdp wants an interface).
func attachBySection(prog *ebpf.Program, section string) (link.Link, error) {
	switch {
	case strings.HasPrefix(section, "tracepoint/"):
		parts := strings.SplitN(strings.TrimPrefix(section, "tracepoint/"), "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed tracepoint section %q", section)
		}
		return link.Tracepoint(parts[0], parts[1], prog, nil)
	case strings.HasPrefix(section, "kprobe/"):
		return link.Kprobe(strings.TrimPrefix(section, "kprobe/"), prog, nil)
	case section == "xdp" || strings.HasPrefix(section, "xdp/"):
		return nil, nil
	}
	return nil, nil
}

// AttachXDP attaches a named XDP program to a network interface index.
func (l *Loaded) AttachXDP(program string, ifindex int) error {
	prog := l.Objects.Programs[program]
	if prog == nil {
		return fmt.Errorf("program %q not found in object", program)
	}
	lnk, err := link.AttachXDP(link.XDPOptions{Program: prog, Interface: ifindex})
	if err != nil {
		return fmt.Errorf("attach XDP: %w", err)
	}
	l.Links = append(l.Links, lnk)
	return nil
}

// Close detaches everything and releases all kernel resources.
func (l *Loaded) Close() {
	if l == nil {
		return
	}
	for _, lnk := range l.Links {
		_ = lnk.Close()
	}
	if l.Objects != nil {
		l.Objects.Close()
	}
}
