package ppu

// Bus is the PPU's own 14-bit address space: pattern tables (delegated to
// the cartridge), nametables (mirrored per the cartridge's mirroring mode),
// and palette RAM. It is a distinct bus from cpu.Bus - the CPU and PPU never
// share an address-decode path, even though both ultimately reach into the
// same cartridge.
type Bus interface {
	Read(addr uint16) uint8
	Write(addr uint16, value uint8)
}

// BusCartridge is the subset of the cartridge interface the PPU bus needs:
// CHR access, mirroring mode, and A12 edge notification for MMC3-style
// scanline IRQ timing.
type BusCartridge interface {
	ReadCHR(addr uint16) uint8
	WriteCHR(addr uint16, value uint8)
	GetMirroring() int
	NotifyA12(chrAddr uint16, renderingEnabled bool)
}

// VRAMBus is the PPU bus's concrete implementation: nametable RAM plus a
// cartridge passthrough for CHR and palette RAM owned by PaletteManager.
type VRAMBus struct {
	nameTables [0x1000]uint8
	palette    *PaletteManager
	cartridge  BusCartridge

	// Timing context needed to decide whether a CHR fetch should notify the
	// cartridge of an A12 transition; set once per PPU dot by SetTiming
	// before any Read/Write happens.
	renderingEnabled bool
	visibleScanline  bool
}

// NewVRAMBus creates a PPU bus sharing the given palette manager.
func NewVRAMBus(palette *PaletteManager) *VRAMBus {
	return &VRAMBus{palette: palette}
}

// SetCartridge attaches (or detaches, with nil) the cartridge backing CHR
// reads/writes and nametable mirroring.
func (b *VRAMBus) SetCartridge(cart BusCartridge) {
	b.cartridge = cart
}

// SetTiming records the scanline/rendering context the next Read or Write
// needs to decide whether a CHR fetch is a "real" one worth an A12 notify.
func (b *VRAMBus) SetTiming(renderingEnabled, visibleScanline bool) {
	b.renderingEnabled = renderingEnabled
	b.visibleScanline = visibleScanline
}

// Read implements Bus.
func (b *VRAMBus) Read(addr uint16) uint8 {
	addr %= 0x4000

	switch {
	case addr < 0x2000:
		if b.cartridge == nil {
			return 0
		}
		if b.renderingEnabled && b.visibleScanline {
			b.cartridge.NotifyA12(addr, b.renderingEnabled)
		}
		return b.cartridge.ReadCHR(addr)
	case addr < 0x3F00:
		return b.nameTables[b.mirror(addr-0x2000)]
	default:
		return b.palette.ReadPalette(uint8(addr & 0x1F))
	}
}

// Write implements Bus.
func (b *VRAMBus) Write(addr uint16, value uint8) {
	addr %= 0x4000

	switch {
	case addr < 0x2000:
		if b.cartridge == nil {
			return
		}
		if b.renderingEnabled && b.visibleScanline {
			b.cartridge.NotifyA12(addr, b.renderingEnabled)
		}
		b.cartridge.WriteCHR(addr, value)
	case addr < 0x3F00:
		b.nameTables[b.mirror(addr-0x2000)] = value
	default:
		b.palette.WritePalette(uint8(addr&0x1F), value)
	}
}

// mirror maps a $000-$FFF nametable offset through the cartridge's
// mirroring mode down to its physical 2KB storage location.
func (b *VRAMBus) mirror(offset uint16) uint16 {
	if b.cartridge == nil {
		return horizontalMirror(offset)
	}
	switch b.cartridge.GetMirroring() {
	case 0: // Horizontal
		return horizontalMirror(offset)
	case 1: // Vertical
		return verticalMirror(offset)
	default: // Four-screen or other: no mirroring, needs full 4KB
		return offset
	}
}

func horizontalMirror(offset uint16) uint16 {
	return (offset & 0x3FF) | ((offset & 0x800) >> 1)
}

func verticalMirror(offset uint16) uint16 {
	return offset & 0x7FF
}

// RawNameTables exposes the backing nametable storage for save-state
// snapshots; it is otherwise only ever touched through Read/Write.
func (b *VRAMBus) RawNameTables() *[0x1000]uint8 {
	return &b.nameTables
}
