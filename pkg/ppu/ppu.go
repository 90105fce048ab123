package ppu

import (
	"github.com/yoshiomiyamaegones/pkg/logger"
)

// PPU represents the Picture Processing Unit
type PPU struct {
	// Registers
	PPUCTRL   uint8 // $2000
	PPUMASK   uint8 // $2001
	PPUSTATUS uint8 // $2002
	OAMADDR   uint8 // $2003
	OAMDATA   uint8 // $2004
	PPUSCROLL uint8 // $2005
	PPUADDR   uint8 // $2006
	PPUDATA   uint8 // $2007

	// Internal registers
	v uint16 // VRAM address
	t uint16 // Temporary VRAM address
	x uint8  // Fine X scroll, written directly from the first $2005 write
	w uint8  // Write toggle

	// Scrolling
	ScrollY uint8 // Y scroll position

	// OAM (Object Attribute Memory)
	OAM [256]uint8

	// Frame buffer (256x240)
	FrameBuffer [256 * 240]uint32

	// Persistent frame buffer for games with intermittent rendering
	PersistentFrameBuffer [256 * 240]uint32

	// Track if any meaningful rendering occurred this frame
	renderingOccurred bool
	lastRenderFrame   uint64

	// Timing
	Cycle         int
	Scanline      int
	Frame         uint64
	FrameComplete bool

	// NMI. Hardware delivers NMI roughly 14 master clocks after the PPUSTATUS
	// vblank flag goes high, not instantly; nmiDelay counts that down in
	// master-clock units (decremented by 4 per PPU dot) before NMIRequested
	// latches. A read of $2002 in the delay window still suppresses the NMI
	// (handled in ReadRegister) the way a real race against CPU polling would.
	NMIRequested bool
	nmiDelay     int

	// Rendering
	PaletteManager *PaletteManager
	currentSprites []SpriteInfo
	bgTileCache    tileCache

	// PPU read buffer for $2007 reads
	readBuffer uint8

	// bus is the PPU's own address space (B_ppu): nametables, palette, and
	// a cartridge passthrough for CHR. Distinct from the CPU-facing bus in
	// pkg/memory (B_cpu); the two never route through each other.
	bus *VRAMBus

	// Cartridge interface
	Cartridge interface {
		ReadCHR(addr uint16) uint8
		WriteCHR(addr uint16, value uint8)
		Step() // Called once per scanline for mapper IRQ
		IsIRQPending() bool
		ClearIRQ()
		GetMirroring() int
		NotifyA12(chrAddr uint16, renderingEnabled bool) // For MMC3 A12 edge detection
	}
}

// PPUCTRL flags
const (
	PPUCTRLNameTable   = 0x03 // Base nametable address
	PPUCTRLIncrement   = 0x04 // VRAM address increment
	PPUCTRLSpriteTable = 0x08 // Sprite pattern table address
	PPUCTRLBGTable     = 0x10 // Background pattern table address
	PPUCTRLSpriteSize  = 0x20 // Sprite size
	PPUCTRLMasterSlave = 0x40 // PPU master/slave select
	PPUCTRLNMIEnable   = 0x80 // Generate NMI at VBlank
)

// PPUMASK flags
const (
	PPUMASKGreyscale      = 0x01 // Greyscale
	PPUMASKBGLeft         = 0x02 // Show background in leftmost 8 pixels
	PPUMASKSpriteLeft     = 0x04 // Show sprites in leftmost 8 pixels
	PPUMASKBGShow         = 0x08 // Show background
	PPUMASKSpriteShow     = 0x10 // Show sprites
	PPUMASKRedEmphasize   = 0x20 // Emphasize red
	PPUMASKGreenEmphasize = 0x40 // Emphasize green
	PPUMASKBlueEmphasize  = 0x80 // Emphasize blue
)

// PPUSTATUS flags
const (
	PPUSTATUSOverflow   = 0x20 // Sprite overflow
	PPUSTATUSSprite0Hit = 0x40 // Sprite 0 hit
	PPUSTATUSVBlank     = 0x80 // VBlank flag
)

// New creates a new PPU instance. The mem parameter is accepted for
// backward compatibility with existing call sites but is unused: the PPU's
// address space is its own VRAMBus (B_ppu), never the CPU-facing bus.
func New(mem interface{}) *PPU {
	pm := NewPaletteManager()
	return &PPU{
		Cycle:          0,
		Scanline:       0,
		PaletteManager: pm,
		bus:            NewVRAMBus(pm),
	}
}

// Reset resets the PPU to initial state
func (p *PPU) Reset() {
	p.PPUCTRL = 0
	p.PPUMASK = 0
	p.PPUSTATUS = 0
	p.OAMADDR = 0
	p.v = 0
	p.t = 0
	p.x = 0
	p.w = 0
	p.Cycle = 0
	p.Scanline = 0
	p.FrameComplete = false
	p.NMIRequested = false
	p.nmiDelay = 0

	// The persistent buffer is left untouched on Reset to preserve accumulated content
	p.renderingOccurred = false
}

// SetCartridge sets the cartridge reference
func (p *PPU) SetCartridge(cart interface {
	ReadCHR(addr uint16) uint8
	WriteCHR(addr uint16, value uint8)
	Step()
	IsIRQPending() bool
	ClearIRQ()
	GetMirroring() int
	NotifyA12(chrAddr uint16, renderingEnabled bool)
}) {
	p.Cartridge = cart
	p.bus.SetCartridge(cart)
}

// Step executes one PPU dot (4 master clocks).
func (p *PPU) Step() {
	// Update emphasis for palette manager
	p.PaletteManager.SetEmphasis(p.PPUMASK & 0xE0)

	renderingEnabled := (p.PPUMASK & (PPUMASKBGShow | PPUMASKSpriteShow)) != 0
	p.bus.SetTiming(renderingEnabled, p.Scanline >= 0 && p.Scanline < 240)

	// Render visible scanlines. Real A12 edges for MMC3 already arrive from
	// readVRAM/writeVRAM on the CHR fetches renderPixel triggers.
	if p.Scanline >= 0 && p.Scanline < 240 {
		p.renderPixel()
	}

	if p.nmiDelay > 0 {
		p.nmiDelay -= 4
		if p.nmiDelay <= 0 && p.PPUSTATUS&PPUSTATUSVBlank != 0 && p.PPUCTRL&PPUCTRLNMIEnable != 0 {
			p.NMIRequested = true
		}
	}

	// Horizontal t->v copy happens at dot 257 on every visible and the
	// pre-render scanline.
	if p.Cycle == 257 && renderingEnabled && (p.Scanline < 240) {
		p.v = (p.v & 0xFBE0) | (p.t & 0x041F)
	}

	// Vertical t->v copy is held across dots 280-304 of the pre-render line.
	if p.Scanline == -1 && p.Cycle >= 280 && p.Cycle <= 304 && renderingEnabled {
		p.v = (p.v & 0x841F) | (p.t & 0x7BE0)
	}

	p.Cycle++
	if p.Cycle >= 341 {
		p.Cycle = 0

		p.Scanline++

		// MMC3 IRQ timing - call mapper step for scanline-based IRQ timing
		// This works even when rendering is disabled, allowing games to set up IRQs
		if p.Cartridge != nil && p.Scanline >= 0 && p.Scanline < 240 {
			p.Cartridge.Step()
		}

		if p.Scanline == 241 {
			p.PPUSTATUS |= PPUSTATUSVBlank
			if p.PPUCTRL&PPUCTRLNMIEnable != 0 {
				p.nmiDelay = 14
			}
		}

		if p.Scanline >= 261 {
			p.Scanline = -1 // Pre-render scanline
			p.FrameComplete = true

			// Handle frame completion and persistent buffer management
			p.handleFrameCompletion()

			p.Frame++
		}
	}

	// vblank, sprite-0-hit, and overflow clear together at (261,1).
	if p.Scanline == -1 && p.Cycle == 1 {
		p.PPUSTATUS &^= PPUSTATUSVBlank | PPUSTATUSSprite0Hit | PPUSTATUSOverflow
		p.NMIRequested = false
		p.nmiDelay = 0
	}
}

// ReadRegister reads from PPU register
func (p *PPU) ReadRegister(addr uint16) uint8 {
	switch addr {
	case 0x2002: // PPUSTATUS
		value := p.PPUSTATUS
		logger.LogPPU("Read PPUSTATUS: $%02X", value)
		p.PPUSTATUS &^= PPUSTATUSVBlank // Clear VBlank flag
		p.w = 0                         // Reset write toggle
		// A read landing inside the NMI delay window races the flag clear
		// against NMI delivery and suppresses the NMI, same as hardware.
		if p.nmiDelay > 0 {
			p.nmiDelay = 0
			p.NMIRequested = false
		}
		return value
	case 0x2004: // OAMDATA
		return p.OAM[p.OAMADDR]
	case 0x2007: // PPUDATA
		var value uint8

		if p.v >= 0x3F00 {
			// Palette reads are immediate (no buffering)
			value = p.readVRAM(p.v)
			// Update buffer with underlying nametable data
			p.readBuffer = p.readVRAM(p.v - 0x1000)
		} else {
			// Non-palette reads use buffered system
			value = p.readBuffer
			p.readBuffer = p.readVRAM(p.v)
		}

		// Debug: Log $2007 reads for CHR area
		if p.v < 0x2000 && p.v <= 0x000F {
			logger.LogPPU("$2007 Read CHR: vramAddr=$%04X, value=$%02X, buffer=$%02X", p.v, value, p.readBuffer)
		}

		if p.PPUCTRL&PPUCTRLIncrement != 0 {
			p.v += 32
		} else {
			p.v += 1
		}
		return value
	}
	return 0
}

// WriteRegister writes to PPU register
func (p *PPU) WriteRegister(addr uint16, value uint8) {
	switch addr {
	case 0x2000: // PPUCTRL
		oldValue := p.PPUCTRL
		p.PPUCTRL = value
		p.t = (p.t & 0xF3FF) | ((uint16(value) & 0x03) << 10)
		// Toggling NMI-enable on while vblank is already asserted and not yet
		// delivered schedules a fresh delayed NMI (the "NMI enable during
		// vblank" case).
		if oldValue&PPUCTRLNMIEnable == 0 && value&PPUCTRLNMIEnable != 0 &&
			p.PPUSTATUS&PPUSTATUSVBlank != 0 && !p.NMIRequested {
			p.nmiDelay = 14
		}
		if value&PPUCTRLNMIEnable == 0 {
			p.nmiDelay = 0
		}
		logger.LogPPU("Write PPUCTRL: $%02X -> $%02X (NMI=%v, BG_table=$%04X, Sprite_table=$%04X)",
			oldValue, value, (value&PPUCTRLNMIEnable) != 0,
			uint16(0x1000)*uint16((value&PPUCTRLBGTable)>>4),
			uint16(0x1000)*uint16((value&PPUCTRLSpriteTable)>>3))
	case 0x2001: // PPUMASK
		oldValue := p.PPUMASK
		logger.LogPPU("Write PPUMASK: $%02X -> $%02X (BGShow=%v, SpriteShow=%v, Greyscale=%v)",
			oldValue, value, (value&PPUMASKBGShow) != 0, (value&PPUMASKSpriteShow) != 0, (value&PPUMASKGreyscale) != 0)
		p.PPUMASK = value
	case 0x2003: // OAMADDR
		p.OAMADDR = value
	case 0x2004: // OAMDATA
		p.OAM[p.OAMADDR] = value
		p.OAMADDR++
	case 0x2005: // PPUSCROLL
		logger.LogPPU("Write PPUSCROLL: value=$%02X, w=%d, scanline=%d", value, p.w, p.Scanline)
		if p.w == 0 {
			p.t = (p.t & 0xFFE0) | (uint16(value) >> 3)
			p.x = value & 0x07 // Fine X takes effect immediately
			p.w = 1
			logger.LogPPU("PPUSCROLL X: value=$%02X, x=%d, t=$%04X, scanline=%d", value, p.x, p.t, p.Scanline)
		} else {
			p.t = (p.t & 0x8FFF) | ((uint16(value) & 0x07) << 12)
			p.t = (p.t & 0xFC1F) | ((uint16(value) & 0xF8) << 2)
			p.w = 0
			logger.LogPPU("PPUSCROLL Y: value=$%02X, t=$%04X, scanline=%d", value, p.t, p.Scanline)
		}
	case 0x2006: // PPUADDR
		logger.LogPPU("PPU Write $2006: value=$%02X, w=%d", value, p.w)
		if p.w == 0 {
			p.t = (p.t & 0x80FF) | ((uint16(value) & 0x3F) << 8)
			p.w = 1
			logger.LogPPU("Write PPUADDR (high): $%02X, t=$%04X", value, p.t)
			// Debug: Check if will point to CHR area
			if (p.t & 0xFF00) < 0x2000 {
				logger.LogPPU("PPUADDR high set for CHR area: $%04X", p.t)
			}
		} else {
			p.t = (p.t & 0xFF00) | uint16(value)
			p.v = p.t
			p.w = 0
			logger.LogPPU("Write PPUADDR (low): $%02X, v=$%04X", value, p.v)
			// Debug: Check if pointing to CHR area
			if p.v < 0x2000 {
				logger.LogPPU("PPUADDR set to CHR area: $%04X", p.v)
			}
		}
	case 0x2007: // PPUDATA
		logger.LogPPU("PPU Write $2007: vramAddr=$%04X, value=$%02X", p.v, value)
		// Debug: Enhanced logging for CHR area writes
		if p.v < 0x2000 && p.v <= 0x000F {
			logger.LogPPU("$2007 Write CHR: vramAddr=$%04X, value=$%02X", p.v, value)
		}
		p.writeVRAM(p.v, value)
		if p.PPUCTRL&PPUCTRLIncrement != 0 {
			p.v += 32
		} else {
			p.v += 1
		}
	}
}

// readVRAM reads through the PPU bus (B_ppu).
func (p *PPU) readVRAM(addr uint16) uint8 {
	return p.bus.Read(addr)
}

// writeVRAM writes through the PPU bus (B_ppu).
func (p *PPU) writeVRAM(addr uint16, value uint8) {
	p.bus.Write(addr, value)
}

// GetFramebuffer returns the current framebuffer as RGBA bytes
func (p *PPU) GetFramebuffer() []uint8 {
	// Convert 32-bit framebuffer to RGBA bytes
	rgba := make([]uint8, 256*240*4)

	for i, pixel := range p.FrameBuffer {
		// Extract RGB components from 32-bit pixel (0xAARRGGBB format)
		r := uint8((pixel >> 16) & 0xFF) // Extract R correctly
		g := uint8((pixel >> 8) & 0xFF)  // Extract G correctly
		b := uint8(pixel & 0xFF)         // Extract B correctly
		a := uint8((pixel >> 24) & 0xFF) // Use alpha from pixel

		// Use RGBA order to match test pattern format
		rgba[i*4+0] = r
		rgba[i*4+1] = g
		rgba[i*4+2] = b
		rgba[i*4+3] = a

		// Debug logging for first few pixels (disabled for performance)
		// if i < 8 {
		//	logger.LogPPU("Framebuffer[%d]: pixel=%08X -> RGBA(%02X,%02X,%02X,%02X)",
		//		i, pixel, r, g, b, a)
		// }
	}

	return rgba
}

// IsMapperIRQPending returns whether mapper IRQ is pending
func (p *PPU) IsMapperIRQPending() bool {
	if p.Cartridge != nil {
		return p.Cartridge.IsIRQPending()
	}
	return false
}

// ClearMapperIRQ clears mapper IRQ
func (p *PPU) ClearMapperIRQ() {
	if p.Cartridge != nil {
		p.Cartridge.ClearIRQ()
	}
}

// handleFrameCompletion manages persistent frame buffer and rendering state
func (p *PPU) handleFrameCompletion() {
	// Debug: Check first few pixels of FrameBuffer before completion handling
	nonZeroPixels := 0
	for i := 0; i < 256; i++ {
		if p.FrameBuffer[i] != 0 {
			nonZeroPixels++
		}
	}

	// Store the rendering occurred flag before resetting
	hadRendering := p.renderingOccurred

	// Reset rendering flag for next frame FIRST
	p.renderingOccurred = false

	// If rendering occurred this frame, update the last render frame
	if hadRendering {
		p.lastRenderFrame = p.Frame
		logger.LogPPU("Frame %d: Rendering occurred, updating persistent buffer", p.Frame)

		// Ensure FrameBuffer has the rendered content for display
		// (FrameBuffer should already have the content from renderPixel calls)
	} else {
		// Keep previous frame content to prevent flickering
		// Don't copy persistent buffer unnecessarily
	}
}

// GetDisplayFrameBuffer returns the frame buffer that should be displayed
// This method provides the correct buffer considering persistent rendering
func (p *PPU) GetDisplayFrameBuffer() []uint32 {
	// If recent rendering occurred, return current buffer
	frameSinceLastRender := p.Frame - p.lastRenderFrame

	// Debug logging disabled for production

	if frameSinceLastRender <= 1 || p.renderingOccurred {
		return p.FrameBuffer[:]
	}

	// Otherwise, return persistent buffer if it has content
	if frameSinceLastRender < 3600 { // Keep visible for ~1 minute (3600 frames)
		// Check if persistent buffer has meaningful content
		nonZeroCount := 0
		for i := 0; i < 100; i++ { // Sample first 100 pixels
			if p.PersistentFrameBuffer[i] != 0 {
				nonZeroCount++
			}
		}

		// Debug logging disabled for production

		return p.PersistentFrameBuffer[:]
	}

	// Fall back to current buffer
	return p.FrameBuffer[:]
}

// VideoSignal returns the dot Step() just finished rendering and its
// framebuffer color, the per-dot video output a host loop samples instead
// of reaching into FrameBuffer directly.
func (p *PPU) VideoSignal() (x, y int, color uint32) {
	x = p.Cycle - 1
	y = p.Scanline
	if x < 0 || x >= 256 || y < 0 || y >= 240 {
		return x, y, 0
	}
	return x, y, p.FrameBuffer[y*256+x]
}

// State is the PPU's save-state snapshot: register file, internal scroll
// latches, OAM, nametable/palette RAM (via the bus), and enough dot/scanline
// position to resume mid-frame exactly where it left off.
type State struct {
	PPUCTRL, PPUMASK, PPUSTATUS               uint8
	OAMADDR, OAMDATA, PPUSCROLL, PPUADDR, PPUDATA uint8
	V, T                                       uint16
	X, W                                       uint8
	ScrollY                                    uint8
	OAM                                        [256]uint8
	Cycle, Scanline                            int
	Frame                                      uint64
	FrameComplete                              bool
	NMIRequested                               bool
	NmiDelay                                   int
	ReadBuffer                                 uint8
	NameTables                                 [0x1000]uint8
	PaletteRAM                                 [32]uint8
	Emphasis                                   uint8
}

// SaveState captures the PPU's full register and VRAM-bus state.
func (p *PPU) SaveState() State {
	s := State{
		PPUCTRL: p.PPUCTRL, PPUMASK: p.PPUMASK, PPUSTATUS: p.PPUSTATUS,
		OAMADDR: p.OAMADDR, OAMDATA: p.OAMDATA, PPUSCROLL: p.PPUSCROLL,
		PPUADDR: p.PPUADDR, PPUDATA: p.PPUDATA,
		V: p.v, T: p.t, X: p.x, W: p.w,
		ScrollY:       p.ScrollY,
		OAM:           p.OAM,
		Cycle:         p.Cycle,
		Scanline:      p.Scanline,
		Frame:         p.Frame,
		FrameComplete: p.FrameComplete,
		NMIRequested:  p.NMIRequested,
		NmiDelay:      p.nmiDelay,
		ReadBuffer:    p.readBuffer,
		PaletteRAM:    p.PaletteManager.PaletteRAM,
		Emphasis:      p.PaletteManager.Emphasis,
	}
	s.NameTables = *p.bus.RawNameTables()
	return s
}

// LoadState restores a snapshot produced by SaveState.
func (p *PPU) LoadState(s State) {
	p.PPUCTRL, p.PPUMASK, p.PPUSTATUS = s.PPUCTRL, s.PPUMASK, s.PPUSTATUS
	p.OAMADDR, p.OAMDATA, p.PPUSCROLL = s.OAMADDR, s.OAMDATA, s.PPUSCROLL
	p.PPUADDR, p.PPUDATA = s.PPUADDR, s.PPUDATA
	p.v, p.t, p.x, p.w = s.V, s.T, s.X, s.W
	p.ScrollY = s.ScrollY
	p.OAM = s.OAM
	p.Cycle, p.Scanline, p.Frame = s.Cycle, s.Scanline, s.Frame
	p.FrameComplete = s.FrameComplete
	p.NMIRequested = s.NMIRequested
	p.nmiDelay = s.NmiDelay
	p.readBuffer = s.ReadBuffer
	p.PaletteManager.PaletteRAM = s.PaletteRAM
	p.PaletteManager.Emphasis = s.Emphasis
	*p.bus.RawNameTables() = s.NameTables
}

