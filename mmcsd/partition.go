// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import "context"

// SwitchPartition selects an eMMC hardware partition for subsequent
// transfers via the PARTITION_CONFIG[PARTITION_ACCESS] field (CMD6),
// p224, 7.4.69 PARTITION_CONFIG [179], JESD84-B51. SD cards reject this
// call with Unsupported.
func (s *Slot) SwitchPartition(ctx context.Context, kind PartitionKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present {
		return newError(NoDevice, "switch partition", nil)
	}

	if !s.card.MMC {
		return newError(Unsupported, "switch partition", nil)
	}

	if _, ok := s.partitions[kind]; !ok {
		return newError(InvalidArgument, "switch partition", nil)
	}

	access := kind.partitionAccessValue()

	if access < 0 {
		return newError(Unsupported, "switch partition", nil)
	}

	if kind == s.activePart {
		return nil
	}

	if err := s.writeExtCSDByte(ctx, extCSDPartitionConfig, uint32(access)); err != nil {
		return err
	}

	s.activePart = kind

	return nil
}

// ActivePartition reports the partition currently selected for transfers.
func (s *Slot) ActivePartition() PartitionKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activePart
}
