package apu

// APU represents the Audio Processing Unit
type APU struct {
	// Pulse channels
	Pulse1 PulseChannel
	Pulse2 PulseChannel

	// Triangle channel
	Triangle TriangleChannel

	// Noise channel
	Noise NoiseChannel

	// DMC channel
	DMC DMCChannel

	// Frame counter
	FrameCounter uint8
	FrameStep    int
	FrameIRQ     bool

	// Cycle counter
	Cycles uint64

	// Output buffer
	Output []float32

	// OddCycle tracks the CPU-cycle parity used by ClockCPUCycle: pulse,
	// noise and DMC timers only tick on every other CPU cycle, triangle
	// ticks every cycle. Exported so that save-states carry it.
	OddCycle bool
}

// PulseChannel represents a pulse wave channel
type PulseChannel struct {
	Enabled    bool
	DutyCycle  uint8
	Volume     uint8
	Sweep      SweepUnit
	Length     LengthCounter
	Envelope   EnvelopeGenerator
	Timer      uint16
	TimerValue uint16
	Sequence   uint8
}

// TriangleChannel represents the triangle wave channel
type TriangleChannel struct {
	Enabled       bool
	LinearCounter uint8
	LinearReload  uint8
	LinearControl bool // Control flag (halt length counter / reload linear counter)
	Length        LengthCounter
	Timer         uint16
	TimerValue    uint16
	Sequence      uint8
}

// NoiseChannel represents the noise channel
type NoiseChannel struct {
	Enabled    bool
	Volume     uint8
	Length     LengthCounter
	Envelope   EnvelopeGenerator
	Timer      uint16
	TimerValue uint16
	ShiftReg   uint16
	Mode       bool
}

// DMCChannel represents the Delta Modulation Channel
type DMCChannel struct {
	Enabled        bool
	IRQEnabled     bool
	Loop           bool
	Rate           uint8
	LoadCounter    uint8
	SampleAddress  uint16
	SampleLength   uint16
	CurrentAddress uint16
	CurrentLength  uint16
	Buffer         uint8
	ShiftReg       uint8
	BitsRemaining  uint8
	Silence        bool
	SampleBuffer   uint8
	BufferEmpty    bool

	// FillRequested is raised by stepDMCSample when the sample buffer runs
	// dry and a fetch is needed; the Emulator polls it through
	// DMCFillPending, walks pkg/dma.DMC's cycle-stealing state machine, and
	// hands the fetched byte back through DMCDeliverByte. The channel never
	// touches the bus directly - matches the split of OAM DMA into its own
	// engine rather than Memory.performOAMDMA's instant copy.
	FillRequested bool

	// IRQFlag is the sticky DMC-IRQ-asserted bit read back at $4015 bit 7.
	// Unlike FrameIRQ it is NOT cleared by reading $4015; any $4015 write,
	// or a $4010 write that clears the IRQ-enable bit, clears it.
	IRQFlag bool
}

// SweepUnit represents a sweep unit
type SweepUnit struct {
	Enabled bool
	Period  uint8
	Negate  bool
	Shift   uint8
	Reload  bool
	Counter uint8
}

// LengthCounter represents a length counter
type LengthCounter struct {
	Enabled bool
	Value   uint8
	Halt    bool
}

// EnvelopeGenerator represents an envelope generator
type EnvelopeGenerator struct {
	Start    bool
	Loop     bool
	Constant bool
	Volume   uint8
	Counter  uint8
	Divider  uint8
}

// Length counter lookup table
var lengthTable = [32]uint8{
	10, 254, 20, 2, 40, 4, 80, 6, 160, 8, 60, 10, 14, 12, 26, 14,
	12, 16, 24, 18, 48, 20, 96, 22, 192, 24, 72, 26, 16, 28, 32, 30,
}

// New creates a new APU instance
func New() *APU {
	apu := &APU{
		Output: make([]float32, 0, 4096),
	}
	apu.initializeChannels()
	return apu
}

// Reset resets the APU to initial state
func (a *APU) Reset() {
	a.Pulse1 = PulseChannel{}
	a.Pulse2 = PulseChannel{}
	a.Triangle = TriangleChannel{}
	a.Noise = NoiseChannel{}
	a.DMC = DMCChannel{}
	a.FrameCounter = 0
	a.FrameStep = 0
	a.FrameIRQ = false
	a.Cycles = 0
	a.initializeChannels()
}

// frameSeq4Step and frameSeq5Step give the exact CPU-cycle count of each
// frame sequencer step in 4-step and 5-step mode (NTSC). The old Step()
// drove the sequencer off Cycles%7458, which only approximates the real
// 7457.5-cycle quarter-frame period and drifts over a long run; indexing
// this table by a.Cycles instead is exact.
var frameSeq4Step = [4]int{7457, 14913, 22371, 29829}
var frameSeq5Step = [5]int{7457, 14913, 22371, 29829, 37281}

// ClockCPUCycle advances the APU by exactly one CPU cycle. Triangle's timer
// is clocked by the CPU clock directly; pulse, noise and DMC timers are
// clocked at half that rate (every other CPU cycle), matching the real
// 2A03's internal cycle divider. The Emulator calls this once per CPU cycle
// rather than deriving an APU-native cycle count.
func (a *APU) ClockCPUCycle() {
	a.Cycles++
	a.OddCycle = !a.OddCycle

	a.stepFrameSequencer()

	a.stepTriangle()
	if a.OddCycle {
		a.stepPulse(&a.Pulse1)
		a.stepPulse(&a.Pulse2)
		a.stepNoise()
		a.stepDMC()
	}

	// Generate audio sample - keep it simple
	if a.Cycles%10 == 0 {
		sample := a.mixChannels()
		a.Output = append(a.Output, sample)

		// Prevent buffer from growing too large
		if len(a.Output) > 2048 {
			// Keep only the most recent samples
			copy(a.Output, a.Output[len(a.Output)-1024:])
			a.Output = a.Output[:1024]
		}
	}
}

// stepFrameSequencer fires quarter/half-frame clocks at the exact cycle
// offsets in frameSeq4Step/frameSeq5Step, then resets a.Cycles back below
// the table's range so it can keep indexing from zero indefinitely.
func (a *APU) stepFrameSequencer() {
	fiveStep := (a.FrameCounter & 0x80) != 0
	table := frameSeq4Step[:]
	if fiveStep {
		table = frameSeq5Step[:]
	}

	if a.FrameStep >= len(table) {
		a.FrameStep = 0
	}
	if int(a.Cycles) != table[a.FrameStep] {
		return
	}

	last := len(table) - 1
	if fiveStep {
		switch a.FrameStep {
		case 0, 2:
			a.stepEnvelopes()
			a.stepLinearCounter()
		case 1, 3:
			a.stepEnvelopes()
			a.stepLinearCounter()
			a.stepLengthCounters()
			a.stepSweeps()
		case 4:
			// step 4 is silent in 5-step mode
		}
	} else {
		switch a.FrameStep {
		case 0, 2:
			a.stepEnvelopes()
			a.stepLinearCounter()
		case 1, 3:
			a.stepEnvelopes()
			a.stepLinearCounter()
			a.stepLengthCounters()
			a.stepSweeps()
		}
		if a.FrameStep == last && (a.FrameCounter&0x40) == 0 {
			a.FrameIRQ = true
		}
	}

	if a.FrameStep == last {
		a.FrameStep = 0
		a.Cycles = 0
	} else {
		a.FrameStep++
	}
}

// AudioSignal returns each channel's current output level, the five-channel
// equivalent of the PPU's per-dot VideoSignal: callers that want raw channel
// data (a recorder, a visualizer) read this instead of the mixed Output
// buffer.
func (a *APU) AudioSignal() (pulse1, pulse2, triangle, noise, dmc uint8) {
	return a.getPulseOutput(&a.Pulse1), a.getPulseOutput(&a.Pulse2), a.getTriangleOutput(), a.getNoiseOutput(), a.getDMCOutput()
}

// IRQLevel reports the APU's combined contribution to the CPU's wired-OR
// IRQ line: the frame sequencer's IRQ plus the DMC's sticky IRQ flag.
func (a *APU) IRQLevel() bool {
	return a.FrameIRQ || a.DMC.IRQFlag
}

// DMCFillPending reports whether the DMC sample buffer has run dry and
// needs a byte fetched via the DMA engine, along with the address to fetch
// it from. The Emulator polls this once per CPU cycle and, when true,
// drives pkg/dma.DMC against the CPU bus.
func (a *APU) DMCFillPending() (uint16, bool) {
	if !a.DMC.FillRequested {
		return 0, false
	}
	return a.DMC.CurrentAddress, true
}

// DMCDeliverByte completes a DMA fetch started after DMCFillPending
// returned true: loads the sample buffer, advances/wraps the current
// address, decrements the remaining length, and restarts or sets the
// sticky IRQ flag on exhaustion per the loop/IRQ-enable bits.
func (a *APU) DMCDeliverByte(value uint8) {
	a.DMC.FillRequested = false
	a.DMC.SampleBuffer = value
	a.DMC.BufferEmpty = false

	a.DMC.CurrentAddress++
	if a.DMC.CurrentAddress == 0 {
		a.DMC.CurrentAddress = 0x8000
	}

	a.DMC.CurrentLength--
	if a.DMC.CurrentLength == 0 {
		if a.DMC.Loop {
			a.DMC.CurrentAddress = a.DMC.SampleAddress
			a.DMC.CurrentLength = a.DMC.SampleLength
		} else if a.DMC.IRQEnabled {
			a.DMC.IRQFlag = true
		}
	}
}

// stepEnvelopes steps all envelope generators
func (a *APU) stepEnvelopes() {
	a.stepEnvelope(&a.Pulse1.Envelope)
	a.stepEnvelope(&a.Pulse2.Envelope)
	a.stepEnvelope(&a.Noise.Envelope)
}

// stepLengthCounters steps all length counters
func (a *APU) stepLengthCounters() {
	a.stepLengthCounter(&a.Pulse1.Length)
	a.stepLengthCounter(&a.Pulse2.Length)
	a.stepLengthCounter(&a.Triangle.Length)
	a.stepLengthCounter(&a.Noise.Length)
}

// stepSweeps steps all sweep units
func (a *APU) stepSweeps() {
	a.stepSweep(&a.Pulse1, &a.Pulse1.Sweep, true)
	a.stepSweep(&a.Pulse2, &a.Pulse2.Sweep, false)
}

// Channel stepping and mixing functions are implemented in channels.go

// ReadRegister reads from APU register
func (a *APU) ReadRegister(addr uint16) uint8 {
	switch addr {
	case 0x4015: // Status
		status := uint8(0)
		if a.Pulse1.Length.Value > 0 {
			status |= 0x01
		}
		if a.Pulse2.Length.Value > 0 {
			status |= 0x02
		}
		if a.Triangle.Length.Value > 0 {
			status |= 0x04
		}
		if a.Noise.Length.Value > 0 {
			status |= 0x08
		}
		if a.DMC.CurrentLength > 0 {
			status |= 0x10
		}
		if a.FrameIRQ {
			status |= 0x40
		}
		if a.DMC.IRQFlag {
			status |= 0x80
		}

		// Reading status register clears frame IRQ
		a.FrameIRQ = false

		return status
	}
	return 0
}

// WriteRegister writes to APU register
func (a *APU) WriteRegister(addr uint16, value uint8) {
	switch addr {
	case 0x4000, 0x4001, 0x4002, 0x4003: // Pulse 1
		a.writePulse(&a.Pulse1, addr-0x4000, value)
	case 0x4004, 0x4005, 0x4006, 0x4007: // Pulse 2
		a.writePulse(&a.Pulse2, addr-0x4004, value)
	case 0x4008, 0x4009, 0x400A, 0x400B: // Triangle
		a.writeTriangle(addr-0x4008, value)
	case 0x400C, 0x400D, 0x400E, 0x400F: // Noise
		a.writeNoise(addr-0x400C, value)
	case 0x4010, 0x4011, 0x4012, 0x4013: // DMC
		a.writeDMC(addr-0x4010, value)
	case 0x4015: // Status
		a.writeStatus(value)
	case 0x4017: // Frame counter
		a.writeFrameCounter(value)
	}
}

// Register write functions are implemented in registers.go
