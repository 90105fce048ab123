// Package dma implements the two cycle-stealing DMA engines that share the
// CPU's bus with it instead of running in zero time: OAM DMA ($4014) and the
// APU DMC channel's sample-fetch DMA. Both are ported from the Idle/Ready/
// Aligning/Running shape of the original emulator's oam_dma.rs and
// dmc_dma.rs, where the state machine - not a special-cased instant copy -
// is what produces the 513/514-cycle OAM stall and the 3-cycle DMC stall.
package dma

// Bus is the address space a DMA engine reads from - the CPU-side bus.
type Bus interface {
	Read(addr uint16) uint8
}

// OAM is the $4014 OAM-DMA engine. Real hardware alternates a "get" cycle
// (read the next byte from the source page) with a "put" cycle (write it to
// OAM through $2004), 256 times, preceded by one dummy alignment cycle if
// DMA starts on an odd CPU cycle or two if it starts on an even one - giving
// the well-known 513/514 total stolen cycles. Tick drives exactly one of
// those phases per call, so the caller must call it once per CPU cycle.
type OAM struct {
	active    bool
	page      uint8
	index     uint16
	haveByte  bool
	buffer    uint8
	alignWait int
}

// Start begins a transfer from page*0x100. startOddCycle is whether the CPU
// cycle DMA starts on is odd, which decides the one-or-two cycle alignment
// stall before the first real read.
func (d *OAM) Start(page uint8, startOddCycle bool) {
	d.active = true
	d.page = page
	d.index = 0
	d.haveByte = false
	if startOddCycle {
		d.alignWait = 1
	} else {
		d.alignWait = 2
	}
}

// Active reports whether the CPU should be stalled this cycle.
func (d *OAM) Active() bool {
	return d.active
}

// Tick advances the engine by one CPU cycle. writeOAM delivers a fetched
// byte to PPU OAM through $2004 semantics (OAMADDR auto-increments on
// write).
func (d *OAM) Tick(bus Bus, writeOAM func(uint8)) {
	if !d.active {
		return
	}
	if d.alignWait > 0 {
		d.alignWait--
		return
	}
	if !d.haveByte {
		addr := uint16(d.page)<<8 | d.index
		d.buffer = bus.Read(addr)
		d.haveByte = true
		return
	}
	writeOAM(d.buffer)
	d.haveByte = false
	d.index++
	if d.index > 0xFF {
		d.active = false
	}
}

type dmcState int

const (
	dmcIdle dmcState = iota
	dmcReady
	dmcAligning
	dmcRunning
)

// OAMState is the OAM-DMA engine's save-state snapshot.
type OAMState struct {
	Active    bool
	Page      uint8
	Index     uint16
	HaveByte  bool
	Buffer    uint8
	AlignWait int
}

// SaveState captures an in-flight (or idle) OAM DMA transfer.
func (d *OAM) SaveState() OAMState {
	return OAMState{
		Active: d.active, Page: d.page, Index: d.index,
		HaveByte: d.haveByte, Buffer: d.buffer, AlignWait: d.alignWait,
	}
}

// LoadState restores a snapshot produced by SaveState.
func (d *OAM) LoadState(s OAMState) {
	d.active, d.page, d.index = s.Active, s.Page, s.Index
	d.haveByte, d.buffer, d.alignWait = s.HaveByte, s.Buffer, s.AlignWait
}

// DMC is the APU DMC channel's sample-refill DMA engine. Unlike OAM DMA it
// only ever reads one byte per transfer, so a single Tick per cycle carries
// it through Ready -> Aligning -> Running -> Idle: two waiting cycles, then
// the read, so every fetch steals exactly 3 CPU cycles. No extra alignment
// cycle is added for odd/even CPU cycles.
type DMC struct {
	state   dmcState
	address uint16

	// Buffer holds the byte fetched by the most recently completed
	// transfer; JustFinished is true for exactly the tick that filled it.
	Buffer       uint8
	JustFinished bool
}

// Start begins a fetch from address. CurrentAddress wrap-around (0xFFFF ->
// 0x8000) is the caller's responsibility, as it is APU sample-state, not a
// DMA-engine concern.
func (d *DMC) Start(address uint16) {
	d.address = address
	d.state = dmcReady
}

// Active reports whether the CPU should be stalled this cycle.
func (d *DMC) Active() bool {
	return d.state != dmcIdle
}

// Tick advances the engine by one CPU cycle.
func (d *DMC) Tick(bus Bus) {
	d.JustFinished = false
	switch d.state {
	case dmcReady:
		d.state = dmcAligning
	case dmcAligning:
		d.state = dmcRunning
	case dmcRunning:
		d.Buffer = bus.Read(d.address)
		d.state = dmcIdle
		d.JustFinished = true
	}
}

// DMCState is the DMC-DMA engine's save-state snapshot.
type DMCState struct {
	State        dmcState
	Address      uint16
	Buffer       uint8
	JustFinished bool
}

// SaveState captures an in-flight (or idle) DMC DMA fetch.
func (d *DMC) SaveState() DMCState {
	return DMCState{State: d.state, Address: d.address, Buffer: d.Buffer, JustFinished: d.JustFinished}
}

// LoadState restores a snapshot produced by SaveState.
func (d *DMC) LoadState(s DMCState) {
	d.state, d.address, d.Buffer, d.JustFinished = s.State, s.Address, s.Buffer, s.JustFinished
}
