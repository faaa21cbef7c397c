package arm64asm

// RegMask is a fixed-width bit set over the allocatable register pool
// (gprOrder followed by fprOrder, see registers.go), stored in a single
// 64-bit word per spec.md §3.2. Bit position is the register's index in
// that combined pool, not its raw Reg value, which keeps the set dense
// regardless of how many physical register numbers are reserved outside
// the pool (SP, LR, ZR, the dedicated memory-base registers).
type RegMask uint64

var regPosition = func() map[Reg]uint {
	m := make(map[Reg]uint, len(gprOrder)+len(fprOrder))
	i := uint(0)
	for _, r := range gprOrder {
		m[r] = i
		i++
	}
	for _, r := range fprOrder {
		m[r] = i
		i++
	}
	return m
}()

// NoRegs is the empty mask.
const NoRegs RegMask = 0

// AllRegs is a mask with every allocatable register set.
func AllRegs() RegMask {
	n := len(gprOrder) + len(fprOrder)
	if n >= 64 {
		return ^RegMask(0)
	}
	return RegMask(1<<uint(n)) - 1
}

// Of builds a mask containing exactly the given registers. Registers outside
// the allocatable pool (SP, LR, ZR, dedicated memory-base registers) are
// silently ignored: they are never allocation candidates, so they carry no
// bit position and can't collide with one.
func Of(regs ...Reg) RegMask {
	var m RegMask
	for _, r := range regs {
		if pos, ok := regPosition[r]; ok {
			m |= 1 << pos
		}
	}
	return m
}

// With returns m with every given register added.
func (m RegMask) With(regs ...Reg) RegMask {
	for _, r := range regs {
		if pos, ok := regPosition[r]; ok {
			m |= 1 << pos
		}
	}
	return m
}

// Union returns the bitwise union of m and other.
func (m RegMask) Union(other RegMask) RegMask { return m | other }

// Sub returns m with every register in other removed.
func (m RegMask) Sub(other RegMask) RegMask { return m &^ other }

// Has reports whether r is a member of m. Registers outside the allocatable
// pool are never members of any mask.
func (m RegMask) Has(r Reg) bool {
	pos, ok := regPosition[r]
	if !ok {
		return false
	}
	return m&(1<<pos) != 0
}

// IsNone reports whether the mask is empty.
func (m RegMask) IsNone() bool { return m == 0 }

// Count returns the number of registers set in m.
func (m RegMask) Count() int {
	n := 0
	for x := uint64(m); x != 0; x &= x - 1 {
		n++
	}
	return n
}
