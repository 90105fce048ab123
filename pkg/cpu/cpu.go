package cpu

import (
	"github.com/yoshiomiyamaegones/pkg/logger"
)

// Bus is the 16-bit address space the CPU executes against: WRAM, PPU/APU
// register windows, controller ports, and the cartridge PRG window. The CPU
// never holds a concrete memory type so the bus split in pkg/memory can
// evolve independently.
type Bus interface {
	Read(addr uint16) uint8
	Write(addr uint16, value uint8)
}

// CPU represents the 6502 processor
type CPU struct {
	// Registers
	A  uint8  // Accumulator
	X  uint8  // X register
	Y  uint8  // Y register
	SP uint8  // Stack pointer
	PC uint16 // Program counter
	P  uint8  // Status register

	Bus Bus

	// Cycle counting
	Cycles int

	// busyCycles is the current instruction's remaining ticks; Clock()
	// fetches and fully executes the next instruction exactly when this
	// reaches 0.
	busyCycles int

	// Interrupt lines. NMI is edge-triggered and self-clearing once
	// serviced; IRQ is level-held by whichever device asserts it (APU
	// frame/DMC, mapper) and only serviced while the I flag is clear.
	pendingRST bool
	pendingNMI bool
	irqLine    bool
}

// Status flag bits
const (
	FlagCarry     = 1 << 0 // C
	FlagZero      = 1 << 1 // Z
	FlagInterrupt = 1 << 2 // I
	FlagDecimal   = 1 << 3 // D
	FlagBreak     = 1 << 4 // B
	FlagUnused    = 1 << 5 // -
	FlagOverflow  = 1 << 6 // V
	FlagNegative  = 1 << 7 // N
)

// Signal names for SetSignal.
type Signal int

const (
	SignalRST Signal = iota
	SignalNMI
	SignalIRQ
)

// New creates a new CPU instance
func New(bus Bus) *CPU {
	return &CPU{
		Bus: bus,
		SP:  0xFD,
		P:   FlagUnused | FlagInterrupt,
	}
}

// Reset resets the CPU to initial state
func (c *CPU) Reset() {
	c.A = 0
	c.X = 0
	c.Y = 0
	c.SP = 0xFD
	c.P = FlagUnused | FlagInterrupt

	resetVector := c.read16(0xFFFC)
	c.PC = resetVector
	c.Cycles = 0
	c.busyCycles = 0
	c.pendingRST = false
	c.pendingNMI = false
	c.irqLine = false
}

// SetSignal latches one of {RST, NMI, IRQ}. RST and NMI are serviced
// unconditionally the next time busyCycles reaches 0; IRQ is serviced only
// while the I flag is clear, and stays asserted until the source clears it
// with ClearIRQ.
func (c *CPU) SetSignal(kind Signal) {
	switch kind {
	case SignalRST:
		c.pendingRST = true
	case SignalNMI:
		c.pendingNMI = true
	case SignalIRQ:
		c.irqLine = true
	}
}

// ClearIRQ deasserts the IRQ line. Kept for callers/tests that still assert
// IRQ with TriggerIRQ; prefer SetIRQLevel when more than one device can
// assert IRQ; see its doc comment for why.
func (c *CPU) ClearIRQ() {
	c.irqLine = false
}

// SetIRQLevel sets the CPU's view of the shared IRQ line for this tick.
// Real IRQ is a wired-OR: any number of devices (APU frame sequencer, APU
// DMC, an MMC3-style mapper) can be asserting it at once, and the line only
// drops when none of them are. SetSignal(SignalIRQ)/ClearIRQ model a single
// source pushing the line high/low directly, which is wrong once a second
// source exists - one device's ClearIRQ would yank the line out from under
// another's still-pending request. The Emulator's master clock ORs every
// source's level together once per cycle and calls this instead.
func (c *CPU) SetIRQLevel(level bool) {
	c.irqLine = level
}

// TriggerNMI is a convenience alias for SetSignal(SignalNMI), kept for the
// PPU call site that schedules NMI delivery after its 14-tick delay.
func (c *CPU) TriggerNMI() {
	c.SetSignal(SignalNMI)
}

// TriggerIRQ is a convenience alias for SetSignal(SignalIRQ).
func (c *CPU) TriggerIRQ() {
	c.SetSignal(SignalIRQ)
}

// Clock advances exactly one CPU cycle. On the cycle busyCycles == 0 it
// either services a pending interrupt or fetches and fully executes the next
// instruction, then charges the resulting cost into busyCycles.
func (c *CPU) Clock() {
	if c.busyCycles > 0 {
		c.busyCycles--
		c.Cycles++
		return
	}

	switch {
	case c.pendingRST:
		c.pendingRST = false
		c.serviceReset()
		c.busyCycles = 7 - 1
	case c.pendingNMI:
		c.pendingNMI = false
		c.serviceInterrupt(0xFFFA, false)
		c.busyCycles = 7 - 1
	case c.irqLine && !c.getFlag(FlagInterrupt):
		c.serviceInterrupt(0xFFFE, false)
		c.busyCycles = 7 - 1
	default:
		opcode := c.read(c.PC)
		c.PC++
		cycles := c.executeInstruction(opcode)
		c.busyCycles = cycles - 1
	}

	c.Cycles++
}

// Step runs one full instruction (or interrupt service) to completion by
// calling Clock() repeatedly, and returns how many cycles it took.
// Clock() is the primitive a master-clock-driven Emulator ticks; Step()
// exists for instruction-granularity callers - debuggers, and tests written
// before the cycle-accurate Clock()/busyCycles model existed.
func (c *CPU) Step() int {
	for c.busyCycles > 0 {
		c.Clock()
	}
	before := c.Cycles
	c.Clock()
	for c.busyCycles > 0 {
		c.Clock()
	}
	return int(c.Cycles - before)
}

// executeInstruction is implemented in instructions.go

// serviceReset honors $FFFC/$FFFD without pushing to the stack.
func (c *CPU) serviceReset() {
	c.A, c.X, c.Y = 0, 0, 0
	c.SP = 0xFD
	c.P = FlagUnused | FlagInterrupt
	c.PC = c.read16(0xFFFC)
}

// serviceInterrupt pushes PC and P (B clear, U set), sets I, and vectors.
// brk is true only when called from a BRK instruction, which pushes P with
// B set instead; NMI/IRQ servicing never sets B.
func (c *CPU) serviceInterrupt(vector uint16, brk bool) {
	c.push16(c.PC)
	p := c.P | FlagUnused
	if brk {
		p |= FlagBreak
	} else {
		p &^= FlagBreak
	}
	c.push(p)
	c.setFlag(FlagInterrupt, true)
	c.PC = c.read16(vector)
	logger.LogCPU("interrupt serviced: vector=$%04X new PC=$%04X", vector, c.PC)
}

// Flag operations
func (c *CPU) getFlag(flag uint8) bool {
	return c.P&flag != 0
}

func (c *CPU) setFlag(flag uint8, value bool) {
	if value {
		c.P |= flag
	} else {
		c.P &^= flag
	}
}

// Memory operations
func (c *CPU) read(addr uint16) uint8 {
	return c.Bus.Read(addr)
}

func (c *CPU) write(addr uint16, value uint8) {
	c.Bus.Write(addr, value)
}

func (c *CPU) read16(addr uint16) uint16 {
	lo := uint16(c.read(addr))
	hi := uint16(c.read(addr + 1))
	return hi<<8 | lo
}

// Stack operations
func (c *CPU) push(value uint8) {
	c.write(0x100|uint16(c.SP), value)
	c.SP--
}

func (c *CPU) pop() uint8 {
	c.SP++
	return c.read(0x100 | uint16(c.SP))
}

func (c *CPU) push16(value uint16) {
	c.push(uint8(value >> 8))
	c.push(uint8(value & 0xFF))
}

func (c *CPU) pop16() uint16 {
	lo := uint16(c.pop())
	hi := uint16(c.pop())
	return hi<<8 | lo
}

// GetFlag returns the state of a flag (public method for testing)
func (c *CPU) GetFlag(flag uint8) bool {
	return c.getFlag(flag)
}

// Busy reports whether the CPU is mid-instruction (for DMA/debug tooling
// that needs to know whether a bus access this tick would come from the CPU).
func (c *CPU) Busy() bool {
	return c.busyCycles > 0
}

// State is CPU's snapshot for save-state round-tripping: every field Clock
// needs to resume execution exactly where it left off, including the
// mid-instruction busyCycles countdown and latched interrupt lines.
type State struct {
	A, X, Y, SP uint8
	PC          uint16
	P           uint8
	Cycles      int
	BusyCycles  int
	PendingRST  bool
	PendingNMI  bool
	IRQLine     bool
}

// SaveState captures the CPU's registers and interrupt-latch state.
func (c *CPU) SaveState() State {
	return State{
		A: c.A, X: c.X, Y: c.Y, SP: c.SP, PC: c.PC, P: c.P,
		Cycles:     c.Cycles,
		BusyCycles: c.busyCycles,
		PendingRST: c.pendingRST,
		PendingNMI: c.pendingNMI,
		IRQLine:    c.irqLine,
	}
}

// LoadState restores a snapshot produced by SaveState.
func (c *CPU) LoadState(s State) {
	c.A, c.X, c.Y, c.SP, c.PC, c.P = s.A, s.X, s.Y, s.SP, s.PC, s.P
	c.Cycles = s.Cycles
	c.busyCycles = s.BusyCycles
	c.pendingRST = s.PendingRST
	c.pendingNMI = s.PendingNMI
	c.irqLine = s.IRQLine
}
