// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

// PartitionKind identifies one of the fixed eMMC hardware partitions a
// Slot exposes alongside the user data area.
type PartitionKind int

const (
	// PartUser is the default user data area, present on both SD and
	// MMC/eMMC cards.
	PartUser PartitionKind = iota
	// PartBoot0 is eMMC boot partition 0.
	PartBoot0
	// PartBoot1 is eMMC boot partition 1.
	PartBoot1
	// PartRPMB is the eMMC Replay Protected Memory Block area.
	PartRPMB
	// PartGP1 through PartGP4 are eMMC general purpose partitions.
	PartGP1
	PartGP2
	PartGP3
	PartGP4
)

// suffix returns the /dev/mmcsd<minor><suffix> device name suffix for this
// partition kind.
func (k PartitionKind) suffix() string {
	switch k {
	case PartUser:
		return ""
	case PartBoot0:
		return "boot0"
	case PartBoot1:
		return "boot1"
	case PartRPMB:
		return "rpmb"
	case PartGP1:
		return "gp1"
	case PartGP2:
		return "gp2"
	case PartGP3:
		return "gp3"
	case PartGP4:
		return "gp4"
	default:
		return "unknown"
	}
}

// partitionAccessValue returns the PARTITION_CONFIG[PARTITION_ACCESS] value
// (p224, 7.4.69 PARTITION_CONFIG, JESD84-B51) selecting this partition via
// CMD6, or -1 for an unknown kind.
func (k PartitionKind) partitionAccessValue() int {
	switch k {
	case PartUser:
		return 0x0
	case PartBoot0:
		return 0x1
	case PartBoot1:
		return 0x2
	case PartRPMB:
		return 0x3
	case PartGP1:
		return 0x4
	case PartGP2:
		return 0x5
	case PartGP3:
		return 0x6
	case PartGP4:
		return 0x7
	default:
		return -1
	}
}

// Partition describes one addressable area of a card.
type Partition struct {
	Kind PartitionKind
	// Blocks is the partition size in 512 byte blocks.
	Blocks int
	// ReadOnly marks partitions this driver never writes to regardless
	// of caller intent (RPMB write goes through WriteRPMB, not the
	// block device write path, since it requires a MAC and cannot be
	// chunked like ordinary blocks).
	ReadOnly bool
}

// CID is the decoded Card Identification register.
type CID struct {
	ManufacturerID   uint8
	OEMApplicationID uint16
	ProductName      string
	ProductRevision  uint8
	SerialNumber     uint32
}

// CSD is the decoded Card Specific Data register, reduced to the fields
// this driver actually consumes (capacity and timing), not a full
// bit-for-bit mirror of the register.
type CSD struct {
	Version      int
	BlockSize    int
	Blocks       int
	TransferRate int // MHz, as reported in TRAN_SPEED, informational only
}

// SCR is the decoded SD Configuration Register.
type SCR struct {
	SDSpec       int
	BusWidths    []int // in bits, as advertised by SD_BUS_WIDTHS
	CMD23Support bool
}

// ExtCSD is the decoded subset of the eMMC Extended CSD register this
// driver consumes.
type ExtCSD struct {
	SectorCount              uint32
	DeviceType               uint8
	PartitionSupport         bool
	PartitionSettingComplete bool
	BootSizeMult             uint8
	RPMBSizeMult             uint8
	GPSizeMult               [4]uint32
	HighCapacityEraseSupport bool
}

// CardInfo holds everything identification/initialization has learned
// about the card in the slot.
type CardInfo struct {
	SD  bool
	MMC bool
	// HC marks high (or extended) capacity addressing: block addressed
	// rather than byte addressed.
	HC bool
	// HS marks a negotiated High Speed timing mode.
	HS bool
	// DDR marks eMMC dual data rate mode.
	DDR bool

	RCA uint32

	BlockSize int
	Blocks    int

	CID    CID
	CSD    CSD
	SCR    SCR   // SD only
	ExtCSD ExtCSD // MMC only

	BusWidth int
	ClockHz  int
}
