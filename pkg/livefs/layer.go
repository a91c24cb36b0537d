package livefs

import (
	"path/filepath"
	"sort"
	"strings"
)

// layerSet enumerates the ordered immutable squashfs layers of the source
// image. Images commonly carry 1-4 layers while a run may only touch layer
// 0, so nothing is mounted until a layer index is actually referenced; the
// mount itself is cached per squash name by the context.
type layerSet struct {
	names       []string
	mountSquash func(name string) (*View, error)
}

func newLayerSet(names []string, mountSquash func(string) (*View, error)) *layerSet {
	return &layerSet{names: names, mountSquash: mountSquash}
}

func (ls *layerSet) count() int { return len(ls.names) }

func (ls *layerSet) name(index int) (string, error) {
	if index < 0 || index >= len(ls.names) {
		return "", &UnknownLayerError{Index: index, Count: len(ls.names)}
	}
	return ls.names[index], nil
}

// layer returns the read-only view of the given layer, mounting its
// squashfs on first reference.
func (ls *layerSet) layer(index int) (*View, error) {
	name, err := ls.name(index)
	if err != nil {
		return nil, err
	}
	return ls.mountSquash(name)
}

// squashLayerNames derives the ordered layer names for the image. A layered
// image names its top layer like "a.b.c.squashfs", which implies the stack
// a, a.b, a.b.c. Older images just carry independent casper/*.squashfs
// files, ordered by name.
func squashLayerNames(layerfsPath string, casperSquashes []string) []string {
	if layerfsPath != "" {
		base := strings.TrimSuffix(filepath.Base(layerfsPath), ".squashfs")
		parts := strings.Split(base, ".")
		names := make([]string, 0, len(parts))
		for i := range parts {
			names = append(names, strings.Join(parts[:i+1], "."))
		}
		return names
	}
	names := make([]string, 0, len(casperSquashes))
	for _, p := range casperSquashes {
		names = append(names, strings.TrimSuffix(filepath.Base(p), ".squashfs"))
	}
	sort.Strings(names)
	return names
}
