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
	"fmt"
)

// DeviceName returns the /dev/mmcsd<minor><suffix> name this partition
// would be registered under.
func (s *Slot) DeviceName(kind PartitionKind) string {
	return fmt.Sprintf("/dev/mmcsd%d%s", s.minor, kind.suffix())
}

// Removed tears down session state following a media-change removal
// event. Any BlockDevice handles left open past this point keep working
// against stale state until Close; this only logs that condition (a
// caller's hotplug layer owns the decision of whether it's safe to
// physically eject), it never blocks waiting for handles to drain.
func (s *Slot) Removed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present {
		return
	}

	for kind, n := range s.openRefs {
		if n > 0 {
			s.cfg.Logger.Warnf("%s: removed with %d handle(s) still open", s.DeviceName(kind), n)
		}
	}

	s.cfg.Logger.Infof("mmcsd%d: card removed", s.minor)

	s.present = false
	s.card = CardInfo{}
	s.partitions = make(map[PartitionKind]*Partition)
	s.openRefs = make(map[PartitionKind]int)
	s.activePart = PartUser
	s.rca = 0
}

// OnMediaChange is the hotplug entry point a board's card-detect interrupt
// handler (or polling loop) calls whenever the physical presence signal
// changes. present=true probes and registers the card's partitions;
// present=false tears the slot down.
func (s *Slot) OnMediaChange(ctx context.Context, present bool) error {
	if !present {
		s.Removed()
		return nil
	}

	if err := s.Probe(ctx); err != nil {
		s.mu.Lock()
		logger := s.cfg.Logger
		minor := s.minor
		s.mu.Unlock()

		logger.Errorf("mmcsd%d: probe failed: %v", minor, err)

		return err
	}

	return nil
}
