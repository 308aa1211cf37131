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
	"testing"

	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

// Concrete scenario 6 (spec §8): switching to boot0 emits CMD6 with the
// WRITE_BYTE/PART_CONF(179)/value=1 argument encoding, then busy-waits to
// TRAN before the caller's next command.
func TestSwitchPartitionEmitsCMD6Encoding(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	var sawArg uint32
	var sawCMD6 bool

	fh.Script = map[uint32]func(cmd *host.Command) (host.Response, error){
		6: func(cmd *host.Command) (host.Response, error) {
			sawCMD6 = true
			sawArg = cmd.Argument
			return host.Response{}, nil
		},
		13: func(cmd *host.Command) (host.Response, error) {
			var rsp host.Response
			setField(&rsp, statusCurrentState, 0b1111, currentStateTran)
			return rsp, nil
		},
	}

	s := newTestSlot(t, fh, false, true, 4096)
	s.partitions[PartBoot0] = &Partition{Kind: PartBoot0, Blocks: 1024}

	if err := s.SwitchPartition(context.Background(), PartBoot0); err != nil {
		t.Fatalf("SwitchPartition: %v", err)
	}

	if !sawCMD6 {
		t.Fatal("CMD6 was never issued")
	}

	wantArg := uint32(accessWriteByte)<<mmcSwitchAccess | uint32(extCSDPartitionConfig)<<mmcSwitchIndex | uint32(1)<<mmcSwitchValue

	if sawArg != wantArg {
		t.Errorf("CMD6 argument = %#x, want %#x", sawArg, wantArg)
	}

	if s.ActivePartition() != PartBoot0 {
		t.Errorf("ActivePartition = %v, want PartBoot0", s.ActivePartition())
	}
}

// Invariant 6: switching to the already-active partition is a no-op and
// must not emit CMD6.
func TestSwitchPartitionNoopWhenAlreadyActive(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	var sawCMD6 bool

	fh.Script = map[uint32]func(cmd *host.Command) (host.Response, error){
		6: func(cmd *host.Command) (host.Response, error) {
			sawCMD6 = true
			return host.Response{}, nil
		},
	}

	s := newTestSlot(t, fh, false, true, 4096)

	if err := s.SwitchPartition(context.Background(), PartUser); err != nil {
		t.Fatalf("SwitchPartition: %v", err)
	}

	if sawCMD6 {
		t.Error("CMD6 was issued switching to the already-active partition")
	}
}

func TestSwitchPartitionRejectsSDCard(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	s := newTestSlot(t, fh, true, false, 4096)
	s.partitions[PartBoot0] = &Partition{Kind: PartBoot0, Blocks: 1024}

	if err := s.SwitchPartition(context.Background(), PartBoot0); err == nil {
		t.Fatal("expected an SD card to reject SwitchPartition")
	}
}

func TestSwitchPartitionRejectsUnknownPartition(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	s := newTestSlot(t, fh, false, true, 4096)

	if err := s.SwitchPartition(context.Background(), PartGP1); err == nil {
		t.Fatal("expected switching to an unconfigured partition to fail")
	}
}
