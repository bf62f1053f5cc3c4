package fdt

import "fmt"

// IsCompatible reports whether the node's "compatible" property lists the
// given string.
func (n *Node) IsCompatible(compat string) bool {
	for _, s := range n.Properties["compatible"].Strings {
		if s == compat {
			return true
		}
	}
	return false
}

// FindCompatible walks the tree depth-first and returns every node whose
// "compatible" property lists compat.
func (n *Node) FindCompatible(compat string) []*Node {
	var found []*Node
	if n.IsCompatible(compat) {
		found = append(found, n)
	}
	for i := range n.Children {
		found = append(found, n.Children[i].FindCompatible(compat)...)
	}
	return found
}

// PropBool reports whether the node carries the named flag property.
func (n *Node) PropBool(name string) bool {
	return n.Properties[name].Flag
}

// PropU32 returns the i-th value of a u32 property.
func (n *Node) PropU32(name string, i int) (uint32, bool) {
	vals := n.Properties[name].U32
	if i < 0 || i >= len(vals) {
		return 0, false
	}
	return vals[i], true
}

// PropU64 returns the i-th value of a u64 property, promoting u32 values so
// configs can use either width.
func (n *Node) PropU64(name string, i int) (uint64, bool) {
	if vals := n.Properties[name].U64; i >= 0 && i < len(vals) {
		return vals[i], true
	}
	if vals := n.Properties[name].U32; i >= 0 && i < len(vals) {
		return uint64(vals[i]), true
	}
	return 0, false
}

// RegRange translates the node's "reg" property to a (base, size) pair.
func (n *Node) RegRange() (base, size uint64, err error) {
	var ok bool
	if base, ok = n.PropU64("reg", 0); !ok {
		return 0, 0, fmt.Errorf("fdt: node %q has no reg property", n.Name)
	}
	if size, ok = n.PropU64("reg", 1); !ok {
		return 0, 0, fmt.Errorf("fdt: node %q reg has no size", n.Name)
	}
	return base, size, nil
}

// InterruptIndex returns the i-th interrupt number of the node.
func (n *Node) InterruptIndex(i int) (uint32, bool) {
	return n.PropU32("interrupts", i)
}
