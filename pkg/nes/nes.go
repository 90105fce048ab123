package nes

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/yoshiomiyamaegones/pkg/apu"
	"github.com/yoshiomiyamaegones/pkg/cartridge"
	"github.com/yoshiomiyamaegones/pkg/cpu"
	"github.com/yoshiomiyamaegones/pkg/dma"
	"github.com/yoshiomiyamaegones/pkg/input"
	"github.com/yoshiomiyamaegones/pkg/memory"
	"github.com/yoshiomiyamaegones/pkg/ppu"
)

// snapshotVersion guards LoadState against being handed a snapshot from an
// incompatible build; a mismatch is a fatal load error, not something to
// silently coerce.
const snapshotVersion = 1

// snapshot is the full deterministic round-trip state: every component
// whose output depends on more than just the cartridge's ROM bytes.
type snapshot struct {
	Version   int
	CPU       cpu.State
	PPU       ppu.State
	APU       apu.APU
	RAM       [2048]uint8
	HighMem   [0xA000]uint8
	OAMDMA    dma.OAMState
	DMCDMA    dma.DMCState
	Cartridge []byte
	Cycles    uint64
	Frame     uint64
}

// NES represents the Nintendo Entertainment System
type NES struct {
	CPU       *cpu.CPU
	PPU       *ppu.PPU
	APU       *apu.APU
	Memory    *memory.Memory
	Cartridge *cartridge.Cartridge
	Input     *input.Controller

	oamDMA *dma.OAM
	dmcDMA *dma.DMC

	// Cycles counts CPU cycles (not master-clock ticks), matching the
	// pre-master-clock meaning callers and tests already assume.
	Cycles uint64
	Frame  uint64
}

// NewNES creates a new NES instance
func NewNES() *NES {
	nes := &NES{
		oamDMA: &dma.OAM{},
		dmcDMA: &dma.DMC{},
	}

	// Initialize components
	nes.Memory = memory.New()
	nes.CPU = cpu.New(nes.Memory)
	nes.PPU = ppu.New(nes.Memory)
	nes.APU = apu.New()
	nes.Input = input.New()

	// Connect components to memory
	nes.Memory.SetPPU(nes.PPU)
	nes.Memory.SetAPU(nes.APU)
	nes.Memory.SetInput(nes.Input)

	// Route $4014 writes into the real cycle-stealing OAM-DMA engine
	// instead of Memory's instant-copy fallback.
	nes.Memory.OAMDMARequest = func(page uint8) {
		nes.oamDMA.Start(page, nes.Cycles%2 != 0)
	}

	return nes
}

// LoadCartridge loads a cartridge into the NES
func (n *NES) LoadCartridge(cart *cartridge.Cartridge) {
	n.Cartridge = cart
	n.Memory.SetCartridge(cart)
	n.PPU.SetCartridge(cart)
}

// Reset resets the NES to initial state
func (n *NES) Reset() {
	n.CPU.Reset()
	n.PPU.Reset()
	n.APU.Reset()
	n.oamDMA = &dma.OAM{}
	n.dmcDMA = &dma.DMC{}
	n.Cycles = 0
	n.Frame = 0
}

// clockPPU runs the PPU forward by one dot and routes any NMI/mapper-IRQ it
// raised to the CPU; called 3 times per CPU cycle.
func (n *NES) clockPPU() {
	n.PPU.Step()

	if n.PPU.NMIRequested {
		n.CPU.TriggerNMI()
		n.PPU.NMIRequested = false
	}
}

// serviceIRQLine ORs every IRQ source together and hands the CPU the
// combined level, per the wired-OR model CPU.SetIRQLevel documents: the APU
// frame sequencer, the APU DMC, and an MMC3-style mapper can all be
// asserting IRQ independently, and any one clearing its own condition must
// not drop another's still-pending request.
func (n *NES) serviceIRQLine() {
	n.CPU.SetIRQLevel(n.APU.IRQLevel() || n.PPU.IsMapperIRQPending())
}

// serviceDMA steals the current CPU cycle for either OAM DMA or DMC DMA
// instead of letting the CPU execute, matching real hardware's DMA
// priority: OAM DMA runs to completion before DMC DMA gets the bus (the
// $4014 write itself only ever happens from CPU-driven code, so the two
// essentially never start on the exact same cycle in practice). Returns
// true if a DMA engine consumed this cycle.
func (n *NES) serviceDMA() bool {
	if n.oamDMA.Active() {
		n.oamDMA.Tick(n.Memory, func(value uint8) {
			n.PPU.WriteRegister(0x2004, value)
		})
		return true
	}

	if addr, pending := n.APU.DMCFillPending(); pending && !n.dmcDMA.Active() {
		n.dmcDMA.Start(addr)
	}
	if n.dmcDMA.Active() {
		n.dmcDMA.Tick(n.Memory)
		if n.dmcDMA.JustFinished {
			n.APU.DMCDeliverByte(n.dmcDMA.Buffer)
		}
		return true
	}

	return false
}

// Clock advances the system by one master-clock CPU cycle: it either
// retires one CPU instruction cycle or lets an active DMA engine steal the
// bus, drives the PPU 3 dots and the APU one cycle alongside it, and
// resolves the shared IRQ line once the cycle's work is done.
func (n *NES) Clock() {
	if !n.serviceDMA() {
		n.CPU.Clock()
	}
	n.APU.ClockCPUCycle()

	for i := 0; i < 3; i++ {
		n.clockPPU()
	}

	n.serviceIRQLine()
	n.Cycles++
}

// Step advances the system by one master-clock CPU cycle. Kept as the name
// existing callers use; its granularity changed from "one instruction" to
// "one CPU cycle" now that Clock() is the real primitive - StepFrame and
// every other caller only cares about forward progress, not instruction
// boundaries.
func (n *NES) Step() {
	n.Clock()
}

// StepFrame executes until frame is complete
func (n *NES) StepFrame() {
	stepCount := 0
	maxSteps := 600000 // ~20 frames' worth of CPU cycles (~29781 per frame)

	for !n.PPU.FrameComplete {
		n.Step()
		stepCount++

		// Safety check to prevent infinite loops during game freezes
		if stepCount > maxSteps {
			n.PPU.FrameComplete = true
			break
		}
	}

	n.PPU.FrameComplete = false
	// Frame counter is managed by PPU, don't increment here
	n.Frame = n.PPU.Frame
}

// SaveState captures a full deterministic snapshot of the running system:
// CPU, PPU, APU, WRAM, the OAM/DMC DMA engines, and the cartridge's mapper
// state. Loading it back with LoadState resumes play identically, including
// mid-instruction CPU state and mid-transfer DMA state.
func (n *NES) SaveState() ([]byte, error) {
	snap := snapshot{
		Version: snapshotVersion,
		CPU:     n.CPU.SaveState(),
		PPU:     n.PPU.SaveState(),
		APU:     *n.APU,
		RAM:     n.Memory.RAM,
		HighMem: n.Memory.HighMem,
		OAMDMA:  n.oamDMA.SaveState(),
		DMCDMA:  n.dmcDMA.SaveState(),
		Cycles:  n.Cycles,
		Frame:   n.Frame,
	}
	if n.Cartridge != nil {
		snap.Cartridge = n.Cartridge.SaveState()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return nil, fmt.Errorf("encode save state: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadState restores a snapshot produced by SaveState. The cartridge that
// produced it must already be loaded via LoadCartridge - a snapshot only
// carries mutable state, never ROM content.
func (n *NES) LoadState(data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("decode save state: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("save state version %d unsupported (want %d)", snap.Version, snapshotVersion)
	}

	n.CPU.LoadState(snap.CPU)
	n.PPU.LoadState(snap.PPU)
	*n.APU = snap.APU
	n.Memory.RAM = snap.RAM
	n.Memory.HighMem = snap.HighMem
	n.oamDMA.LoadState(snap.OAMDMA)
	n.dmcDMA.LoadState(snap.DMCDMA)
	n.Cycles = snap.Cycles
	n.Frame = snap.Frame

	if n.Cartridge != nil {
		if err := n.Cartridge.LoadState(snap.Cartridge); err != nil {
			return fmt.Errorf("restore cartridge state: %w", err)
		}
	}
	return nil
}

// VideoSignal returns the most recently rendered pixel's coordinates and
// color, the per-dot equivalent of AudioSignal.
func (n *NES) VideoSignal() (x, y int, color uint32) {
	return n.PPU.VideoSignal()
}

// AudioSignal returns each APU channel's current raw output level.
func (n *NES) AudioSignal() (pulse1, pulse2, triangle, noise, dmc uint8) {
	return n.APU.AudioSignal()
}

// ConnectPort1 attaches the controller read at $4016.
func (n *NES) ConnectPort1(c *input.Controller) {
	n.Input = c
	n.Memory.SetInput(c)
}

// GetInput returns the input controller
func (n *NES) GetInput() *input.Controller {
	return n.Input
}

// GetFramebuffer returns the current framebuffer from PPU
func (n *NES) GetFramebuffer() []uint8 {
	return n.PPU.GetFramebuffer()
}

// GetFrame returns the current frame number
func (n *NES) GetFrame() uint64 {
	return n.Frame
}

// GetFramebufferRaw returns the raw framebuffer as 32-bit integers
func (n *NES) GetFramebufferRaw() []uint32 {
	return n.PPU.FrameBuffer[:]
}

// GetDisplayFramebufferRaw returns the PPU's current framebuffer; the persistent buffer is not used
func (n *NES) GetDisplayFramebufferRaw() []uint32 {
	return n.PPU.FrameBuffer[:]
}

// GetDisplayFramebuffer returns the PPU's current framebuffer as RGBA bytes; the persistent buffer is not used
func (n *NES) GetDisplayFramebuffer() []uint8 {
	// Get the current frame buffer (disable persistent rendering for proper game flow)
	frameBuffer := n.PPU.FrameBuffer[:]

	// Convert 32-bit framebuffer to RGBA bytes
	rgba := make([]uint8, 256*240*4)

	for i, pixel := range frameBuffer {
		// Extract RGB components from 32-bit pixel (0xAARRGGBB format)
		r := uint8((pixel >> 16) & 0xFF) // Extract R
		g := uint8((pixel >> 8) & 0xFF)  // Extract G
		b := uint8(pixel & 0xFF)         // Extract B
		a := uint8((pixel >> 24) & 0xFF) // Extract A

		// Use RGBA order to match expected format
		rgba[i*4+0] = r
		rgba[i*4+1] = g
		rgba[i*4+2] = b
		rgba[i*4+3] = a
	}

	return rgba
}
