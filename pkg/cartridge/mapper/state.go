package mapper

import (
	"bytes"
	"encoding/gob"
)

// encodeState/decodeState back every mapper's SaveState/LoadState: each
// mapper's registers are unexported (so encoding/gob can't reach them via
// reflection on the mapper itself), so each one packs its own small
// exported snapshot struct instead and round-trips it through gob.
func encodeState(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeState(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

type mapper0State struct {
	PRGRAM []uint8
}

// SaveState captures Mapper0's only mutable state: battery/work PRG RAM.
func (m *Mapper0) SaveState() []byte {
	return encodeState(mapper0State{PRGRAM: append([]uint8(nil), m.cartridge.PRGRAM...)})
}

// LoadState restores a snapshot produced by SaveState.
func (m *Mapper0) LoadState(data []byte) error {
	var s mapper0State
	if err := decodeState(data, &s); err != nil {
		return err
	}
	copy(m.cartridge.PRGRAM, s.PRGRAM)
	return nil
}

type mapper1State struct {
	ShiftRegister uint8
	ShiftCount    uint8
	Control       uint8
	ChrBank0      uint8
	ChrBank1      uint8
	PrgBank       uint8
	PrgMode       uint8
	ChrMode       uint8
	Mirroring     uint8
	PRGRAM        []uint8
	CHRRAM        []uint8
}

// SaveState captures MMC1's serial-port shift register, its four write
// regions, and any PRG/CHR RAM content.
func (m *Mapper1) SaveState() []byte {
	return encodeState(mapper1State{
		ShiftRegister: m.shiftRegister,
		ShiftCount:    m.shiftCount,
		Control:       m.control,
		ChrBank0:      m.chrBank0,
		ChrBank1:      m.chrBank1,
		PrgBank:       m.prgBank,
		PrgMode:       m.prgMode,
		ChrMode:       m.chrMode,
		Mirroring:     m.mirroring,
		PRGRAM:        append([]uint8(nil), m.cartridge.PRGRAM...),
		CHRRAM:        append([]uint8(nil), m.cartridge.CHRRAM...),
	})
}

// LoadState restores a snapshot produced by SaveState.
func (m *Mapper1) LoadState(data []byte) error {
	var s mapper1State
	if err := decodeState(data, &s); err != nil {
		return err
	}
	m.shiftRegister = s.ShiftRegister
	m.shiftCount = s.ShiftCount
	m.control = s.Control
	m.chrBank0 = s.ChrBank0
	m.chrBank1 = s.ChrBank1
	m.prgBank = s.PrgBank
	m.prgMode = s.PrgMode
	m.chrMode = s.ChrMode
	m.mirroring = s.Mirroring
	copy(m.cartridge.PRGRAM, s.PRGRAM)
	copy(m.cartridge.CHRRAM, s.CHRRAM)
	return nil
}

type mapper2State struct {
	PrgBank uint8
	PRGRAM  []uint8
}

// SaveState captures UxROM's current switchable bank selection.
func (m *Mapper2) SaveState() []byte {
	return encodeState(mapper2State{
		PrgBank: m.prgBank,
		PRGRAM:  append([]uint8(nil), m.cartridge.PRGRAM...),
	})
}

// LoadState restores a snapshot produced by SaveState.
func (m *Mapper2) LoadState(data []byte) error {
	var s mapper2State
	if err := decodeState(data, &s); err != nil {
		return err
	}
	m.prgBank = s.PrgBank
	copy(m.cartridge.PRGRAM, s.PRGRAM)
	return nil
}

type mapper3State struct {
	ChrBank uint8
	PRGRAM  []uint8
	CHRRAM  []uint8
}

// SaveState captures CNROM's current CHR bank selection.
func (m *Mapper3) SaveState() []byte {
	return encodeState(mapper3State{
		ChrBank: m.chrBank,
		PRGRAM:  append([]uint8(nil), m.cartridge.PRGRAM...),
		CHRRAM:  append([]uint8(nil), m.cartridge.CHRRAM...),
	})
}

// LoadState restores a snapshot produced by SaveState.
func (m *Mapper3) LoadState(data []byte) error {
	var s mapper3State
	if err := decodeState(data, &s); err != nil {
		return err
	}
	m.chrBank = s.ChrBank
	copy(m.cartridge.PRGRAM, s.PRGRAM)
	copy(m.cartridge.CHRRAM, s.CHRRAM)
	return nil
}

type mapper4State struct {
	BankRegisters [8]uint8
	BankSelect    uint8
	MirroringMode uint8
	PrgRAMProtect uint8
	IrqReloadValue uint8
	IrqCounter     uint8
	IrqEnabled     bool
	IrqPending     bool
	IrqReloadFlag  bool
	A12Line        bool
	PRGRAM         []uint8
	CHRRAM         []uint8
}

// SaveState captures MMC3's full bank-register file, IRQ counter/latch
// state, and PRG/CHR RAM content. Bank counts are derived from the
// (immutable, not snapshotted) ROM size at construction time and need no
// round-trip.
func (m *Mapper4) SaveState() []byte {
	return encodeState(mapper4State{
		BankRegisters:  m.bankRegisters,
		BankSelect:     m.bankSelect,
		MirroringMode:  m.mirroringMode,
		PrgRAMProtect:  m.prgRAMProtect,
		IrqReloadValue: m.irqReloadValue,
		IrqCounter:     m.irqCounter,
		IrqEnabled:     m.irqEnabled,
		IrqPending:     m.irqPending,
		IrqReloadFlag:  m.irqReloadFlag,
		A12Line:        m.a12Line,
		PRGRAM:         append([]uint8(nil), m.data.PRGRAM...),
		CHRRAM:         append([]uint8(nil), m.data.CHRRAM...),
	})
}

// LoadState restores a snapshot produced by SaveState.
func (m *Mapper4) LoadState(data []byte) error {
	var s mapper4State
	if err := decodeState(data, &s); err != nil {
		return err
	}
	m.bankRegisters = s.BankRegisters
	m.bankSelect = s.BankSelect
	m.mirroringMode = s.MirroringMode
	m.prgRAMProtect = s.PrgRAMProtect
	m.irqReloadValue = s.IrqReloadValue
	m.irqCounter = s.IrqCounter
	m.irqEnabled = s.IrqEnabled
	m.irqPending = s.IrqPending
	m.irqReloadFlag = s.IrqReloadFlag
	m.a12Line = s.A12Line
	copy(m.data.PRGRAM, s.PRGRAM)
	copy(m.data.CHRRAM, s.CHRRAM)
	return nil
}
