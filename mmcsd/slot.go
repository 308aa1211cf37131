// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import (
	"context"
	"sync"

	"github.com/usbarmory/go-mmcsd/mmcsd/dmabounce"
	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

// Config holds the tunables a caller sets on a Slot, mirroring the
// teacher's pattern of exposing tunables as exported fields on the driver
// instance (USDHC.LowVoltage, USDHC.SetClock) rather than reading a config
// file or environment - this is an embedded block-device core with
// no process environment of its own to read configuration from.
type Config struct {
	// MultiBlockLimit caps the block count of a single multi-block
	// command; larger transfers are chunked. Zero takes the Host's own
	// Capabilities().MaxBlockCount.
	MultiBlockLimit int

	// MMCSupport enables eMMC identification/initialization. Disabled,
	// only SD cards are attempted.
	MMCSupport bool

	// IOCSupport enables the raw MMC_IOC_CMD/MMC_IOC_MULTI_CMD
	// passthrough surface.
	IOCSupport bool

	// SDIOWaitWriteComplete, when true, makes WriteBlocks poll CMD13
	// until the card leaves the Programming state before returning,
	// rather than returning as soon as the bus-level transfer completes
	// and leaving completion polling to the caller.
	SDIOWaitWriteComplete bool

	// CheckReadyStatusWithoutSleep busy-polls CMD13 back to back instead
	// of backing off between polls, trading CPU for latency on hosts
	// cheap to poll.
	CheckReadyStatusWithoutSleep bool

	// DSR is stored but not used: initialization issues no CMD4
	// (SET_DSR) and does not read the card's DSR_IMP bit.
	DSR uint16

	// Logger receives lifecycle/hotplug and initialization diagnostics
	// (busy-wait timeouts are returned as errors, not logged). Defaults
	// to the github.com/prometheus/common/log backed logger.
	Logger Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = defaultLogger{}
	}
}

// Slot drives a single card socket: identification, initialization,
// transfers, partition switching and media-change lifecycle, all through a
// host.Host collaborator.
type Slot struct {
	mu sync.Mutex

	host   host.Host
	cfg    Config
	bounce *dmabounce.Pool

	minor int

	present bool
	card    CardInfo
	rca     uint32

	partitions    map[PartitionKind]*Partition
	activePart    PartitionKind
	openRefs      map[PartitionKind]int
}

// NewSlot returns a Slot bound to h, identified by minor (used to name its
// block devices, /dev/mmcsd<minor><suffix>). bounceSize sizes the DMA
// bounce pool used when a caller's buffer doesn't meet the Host's
// alignment; zero disables bouncing (Host DMAAlignment must then be 1 or
// every misaligned transfer fails with OutOfMemory).
func NewSlot(h host.Host, minor int, bounceSize int, cfg Config) *Slot {
	cfg.setDefaults()

	return &Slot{
		host:       h,
		cfg:        cfg,
		bounce:     dmabounce.NewPool(bounceSize),
		minor:      minor,
		partitions: make(map[PartitionKind]*Partition),
		openRefs:   make(map[PartitionKind]int),
	}
}

// Info returns the most recently identified card's properties. The zero
// value is returned if no card has ever been identified.
func (s *Slot) Info() CardInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.card
}

// Present reports whether a card is currently registered in this slot
// (i.e. Probe has succeeded and Removed has not since been called).
func (s *Slot) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.present
}

// Partitions returns the partition table discovered on the current card.
func (s *Slot) Partitions() []Partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Partition, 0, len(s.partitions))

	for _, p := range s.partitions {
		out = append(out, *p)
	}

	return out
}

func (s *Slot) multiBlockLimit() int {
	if s.cfg.MultiBlockLimit > 0 {
		return s.cfg.MultiBlockLimit
	}

	if c := s.host.Capabilities().MaxBlockCount; c > 0 {
		return c
	}

	return 1
}

// Probe runs the full identification and initialization sequence and, on
// success, registers the card's partitions. It is the media-change driven
// entry point: a caller's hotplug handler calls Probe on insertion and
// Removed on removal (see lifecycle.go).
func (s *Slot) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.host.CardPresent() {
		return newError(NoDevice, "probe", nil)
	}

	if err := s.host.Reset(ctx); err != nil {
		return wrapf(IoError, "probe", "host reset: %v", err)
	}

	s.card = CardInfo{}
	s.rca = 0
	s.activePart = PartUser

	if err := s.identify(ctx); err != nil {
		return err
	}

	if s.card.SD {
		if err := s.initializeSD(ctx); err != nil {
			return err
		}
	} else if s.card.MMC {
		if !s.cfg.MMCSupport {
			return newError(Unsupported, "probe", nil)
		}

		if err := s.initializeMMC(ctx); err != nil {
			return err
		}
	} else {
		return newError(NoDevice, "probe", nil)
	}

	s.buildPartitionTable()
	s.present = true

	s.cfg.Logger.Infof("mmcsd%d: card ready sd=%v mmc=%v hc=%v blocks=%d block_size=%d",
		s.minor, s.card.SD, s.card.MMC, s.card.HC, s.card.Blocks, s.card.BlockSize)

	return nil
}

func (s *Slot) buildPartitionTable() {
	s.partitions = map[PartitionKind]*Partition{
		PartUser: {Kind: PartUser, Blocks: s.card.Blocks},
	}

	if s.card.MMC {
		for _, p := range s.card.ExtCSD.partitions() {
			p := p
			s.partitions[p.Kind] = &p
		}
	}

	s.openRefs = make(map[PartitionKind]int)
}
