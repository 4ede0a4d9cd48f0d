// Package index implements the best-fit free-block index: an AVL tree
// whose nodes are stored inline inside the payload bytes of the free
// blocks they describe. There is no separate node allocation — the first
// NodeRecordSize bytes of a free block's payload *are* its tree node for
// as long as that block stays in the index.
package index

import (
	"github.com/avlmalloc/avlmalloc/internal/block"
)

// Addr aliases the block layer's address type; index nodes live at block
// payload addresses.
type Addr = block.Addr

// Node record layout, relative to the block's payload address:
//
//	+0  size   uint64  cached copy of the block's size
//	+8  height uint32  AVL height (leaf == 1, absent child == 0)
//	+12 left   uint32  address of the left child, or 0 for none
//	+16 right  uint32  address of the right child, or 0 for none
const (
	offSize   = 0
	offHeight = 8
	offLeft   = 12
	offRight  = 16
	// NodeRecordSize is how many payload bytes a node occupies while it
	// is part of the index.
	NodeRecordSize = 20
)

// MinBlockSize is M from the data model: the smallest block that can hold
// a header, a footer, and a free-node record.
const MinBlockSize = block.WordSize*2 + NodeRecordSize + (block.Alignment - (block.WordSize*2+NodeRecordSize)%block.Alignment)%block.Alignment

// Memory is block.Memory plus the 32-bit field accessors the index needs,
// so node fields don't have to round-trip through 8-byte words.
type Memory interface {
	block.Memory
	ReadUint32(addr Addr) (uint32, error)
	WriteUint32(addr Addr, v uint32) error
}

func readSize(mem Memory, n Addr) (uint64, error) {
	return mem.ReadUint64(n + offSize)
}

func writeSize(mem Memory, n Addr, size uint64) error {
	return mem.WriteUint64(n+offSize, size)
}

func readHeightOf(mem Memory, n Addr) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	return mem.ReadUint32(n + offHeight)
}

func writeHeight(mem Memory, n Addr, h uint32) error {
	return mem.WriteUint32(n+offHeight, h)
}

func readLeft(mem Memory, n Addr) (Addr, error) {
	v, err := mem.ReadUint32(n + offLeft)
	return Addr(v), err
}

func writeLeft(mem Memory, n, left Addr) error {
	return mem.WriteUint32(n+offLeft, uint32(left))
}

func readRight(mem Memory, n Addr) (Addr, error) {
	v, err := mem.ReadUint32(n + offRight)
	return Addr(v), err
}

func writeRight(mem Memory, n, right Addr) error {
	return mem.WriteUint32(n+offRight, uint32(right))
}

// InitNode initializes a fresh node record for the free block at addr,
// ready for Insert. Any previous mid-mutation bytes in the rest of the
// payload are left untouched; only the node fields are written.
func InitNode(mem Memory, addr Addr, size uint64) error {
	if err := writeSize(mem, addr, size); err != nil {
		return err
	}
	if err := writeHeight(mem, addr, 1); err != nil {
		return err
	}
	if err := writeLeft(mem, addr, 0); err != nil {
		return err
	}
	return writeRight(mem, addr, 0)
}

// less implements the (size, address) key order: smaller size first, ties
// broken by address (compared as unsigned).
func less(mem Memory, a, b Addr) (bool, error) {
	sa, err := readSize(mem, a)
	if err != nil {
		return false, err
	}
	sb, err := readSize(mem, b)
	if err != nil {
		return false, err
	}
	if sa != sb {
		return sa < sb, nil
	}
	return a < b, nil
}

func updateHeight(mem Memory, n Addr) error {
	l, err := readLeft(mem, n)
	if err != nil {
		return err
	}
	r, err := readRight(mem, n)
	if err != nil {
		return err
	}
	lh, err := readHeightOf(mem, l)
	if err != nil {
		return err
	}
	rh, err := readHeightOf(mem, r)
	if err != nil {
		return err
	}
	h := lh
	if rh > h {
		h = rh
	}
	return writeHeight(mem, n, h+1)
}

// balanceFactor returns height(right) - height(left).
func balanceFactor(mem Memory, n Addr) (int, error) {
	l, err := readLeft(mem, n)
	if err != nil {
		return 0, err
	}
	r, err := readRight(mem, n)
	if err != nil {
		return 0, err
	}
	lh, err := readHeightOf(mem, l)
	if err != nil {
		return 0, err
	}
	rh, err := readHeightOf(mem, r)
	if err != nil {
		return 0, err
	}
	return int(rh) - int(lh), nil
}

// rotateLeft rotates r down and its right child c up. c.left becomes
// r's new right child.
func rotateLeft(mem Memory, r Addr) (Addr, error) {
	c, err := readRight(mem, r)
	if err != nil {
		return r, err
	}
	if c == 0 {
		return r, nil
	}
	cLeft, err := readLeft(mem, c)
	if err != nil {
		return r, err
	}
	if err := writeRight(mem, r, cLeft); err != nil {
		return r, err
	}
	if err := writeLeft(mem, c, r); err != nil {
		return r, err
	}
	if err := updateHeight(mem, r); err != nil {
		return r, err
	}
	if err := updateHeight(mem, c); err != nil {
		return r, err
	}
	return c, nil
}

// rotateRight is the mirror of rotateLeft.
func rotateRight(mem Memory, r Addr) (Addr, error) {
	c, err := readLeft(mem, r)
	if err != nil {
		return r, err
	}
	if c == 0 {
		return r, nil
	}
	cRight, err := readRight(mem, c)
	if err != nil {
		return r, err
	}
	if err := writeLeft(mem, r, cRight); err != nil {
		return r, err
	}
	if err := writeRight(mem, c, r); err != nil {
		return r, err
	}
	if err := updateHeight(mem, r); err != nil {
		return r, err
	}
	if err := updateHeight(mem, c); err != nil {
		return r, err
	}
	return c, nil
}

// rebalance restores |balance| <= 1 at n, choosing one of the four
// standard rotations by the sign of n's balance and its heavy child's
// balance. Both paths use the <=0/>=0 forms on the child's balance: after
// an insert the heavy child's balance is never 0 here, so they agree with
// the strict <0/>0 forms; after a delete a 0 child balance takes the
// single rotation, which is the one that rebalances that case.
func rebalance(mem Memory, n Addr) (Addr, error) {
	b, err := balanceFactor(mem, n)
	if err != nil {
		return n, err
	}
	if b < -1 {
		l, err := readLeft(mem, n)
		if err != nil {
			return n, err
		}
		lb, err := balanceFactor(mem, l)
		if err != nil {
			return n, err
		}
		if lb <= 0 {
			return rotateRight(mem, n)
		}
		newLeft, err := rotateLeft(mem, l)
		if err != nil {
			return n, err
		}
		if err := writeLeft(mem, n, newLeft); err != nil {
			return n, err
		}
		return rotateRight(mem, n)
	}
	if b > 1 {
		r, err := readRight(mem, n)
		if err != nil {
			return n, err
		}
		rb, err := balanceFactor(mem, r)
		if err != nil {
			return n, err
		}
		if rb >= 0 {
			return rotateLeft(mem, n)
		}
		newRight, err := rotateRight(mem, r)
		if err != nil {
			return n, err
		}
		if err := writeRight(mem, n, newRight); err != nil {
			return n, err
		}
		return rotateLeft(mem, n)
	}
	return n, nil
}

// Insert adds node n, which must not already be in the tree, and returns
// the new root.
func Insert(mem Memory, root, n Addr) (Addr, error) {
	if root == 0 {
		return n, nil
	}
	goLeft, err := less(mem, n, root)
	if err != nil {
		return root, err
	}
	if goLeft {
		l, err := readLeft(mem, root)
		if err != nil {
			return root, err
		}
		newLeft, err := Insert(mem, l, n)
		if err != nil {
			return root, err
		}
		if err := writeLeft(mem, root, newLeft); err != nil {
			return root, err
		}
	} else {
		r, err := readRight(mem, root)
		if err != nil {
			return root, err
		}
		newRight, err := Insert(mem, r, n)
		if err != nil {
			return root, err
		}
		if err := writeRight(mem, root, newRight); err != nil {
			return root, err
		}
	}
	if err := updateHeight(mem, root); err != nil {
		return root, err
	}
	return rebalance(mem, root)
}

func findMin(mem Memory, n Addr) (Addr, error) {
	for {
		l, err := readLeft(mem, n)
		if err != nil {
			return n, err
		}
		if l == 0 {
			return n, nil
		}
		n = l
	}
}

// compare orders a against b the same way less does, but also returns 0
// when they are the same key (which, since addresses are unique, only
// happens when a == b).
func compare(mem Memory, a, b Addr) (int, error) {
	if a == b {
		return 0, nil
	}
	lt, err := less(mem, a, b)
	if err != nil {
		return 0, err
	}
	if lt {
		return -1, nil
	}
	return 1, nil
}

// Delete removes the node with the same (size, address) key as target,
// which must be present in the tree, and returns the new root.
func Delete(mem Memory, root, target Addr) (Addr, error) {
	if root == 0 {
		return 0, nil
	}
	c, err := compare(mem, target, root)
	if err != nil {
		return root, err
	}
	switch {
	case c < 0:
		l, err := readLeft(mem, root)
		if err != nil {
			return root, err
		}
		newLeft, err := Delete(mem, l, target)
		if err != nil {
			return root, err
		}
		if err := writeLeft(mem, root, newLeft); err != nil {
			return root, err
		}
	case c > 0:
		r, err := readRight(mem, root)
		if err != nil {
			return root, err
		}
		newRight, err := Delete(mem, r, target)
		if err != nil {
			return root, err
		}
		if err := writeRight(mem, root, newRight); err != nil {
			return root, err
		}
	default:
		l, err := readLeft(mem, root)
		if err != nil {
			return root, err
		}
		r, err := readRight(mem, root)
		if err != nil {
			return root, err
		}
		if l == 0 {
			return r, nil
		}
		if r == 0 {
			return l, nil
		}
		succ, err := findMin(mem, r)
		if err != nil {
			return root, err
		}
		// Detach succ from the right subtree first; the subtree this
		// returns (not the original r) becomes succ's right child.
		newRight, err := Delete(mem, r, succ)
		if err != nil {
			return root, err
		}
		if err := writeLeft(mem, succ, l); err != nil {
			return root, err
		}
		if err := writeRight(mem, succ, newRight); err != nil {
			return root, err
		}
		if err := updateHeight(mem, succ); err != nil {
			return root, err
		}
		return rebalance(mem, succ)
	}
	if err := updateHeight(mem, root); err != nil {
		return root, err
	}
	return rebalance(mem, root)
}

// BestFit descends from root keeping the smallest-seen node whose size is
// at least s, returning 0 if none qualifies.
func BestFit(mem Memory, root Addr, s uint64) (Addr, error) {
	var best Addr
	cur := root
	for cur != 0 {
		size, err := readSize(mem, cur)
		if err != nil {
			return 0, err
		}
		if size >= s {
			best = cur
			cur, err = readLeft(mem, cur)
		} else {
			cur, err = readRight(mem, cur)
		}
		if err != nil {
			return 0, err
		}
	}
	return best, nil
}

// PopBestFit finds the best-fit node for s and removes it from the tree
// in one call (a BestFit descent followed by a Delete), returning the
// removed node (0 if none fit) and the new root.
func PopBestFit(mem Memory, root Addr, s uint64) (found Addr, newRoot Addr, err error) {
	found, err = BestFit(mem, root, s)
	if err != nil || found == 0 {
		return found, root, err
	}
	newRoot, err = Delete(mem, root, found)
	return found, newRoot, err
}

// Height returns the cached AVL height of n (0 for the absent node).
func Height(mem Memory, n Addr) (uint32, error) {
	return readHeightOf(mem, n)
}
