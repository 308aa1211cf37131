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
	"errors"
	"strings"
	"testing"

	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

func newTestSlot(t *testing.T, fh *host.FakeHost, sd bool, mmc bool, blocks int) *Slot {
	t.Helper()

	s := NewSlot(fh, 0, 64*1024, Config{MultiBlockLimit: 8})
	s.card = CardInfo{SD: sd, MMC: mmc, HC: true, BlockSize: 512, Blocks: blocks}
	s.present = true
	s.activePart = PartUser
	s.partitions[PartUser] = &Partition{Kind: PartUser, Blocks: blocks}

	return s
}

// Scenario: multi-block read on SD with SCR CMD23 support emits
// CMD23(blocks), CMD18(lba), no CMD12 (spec §8 concrete scenario 3).
func TestReadBlocksUsesCMD23WhenSupported(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	s := newTestSlot(t, fh, true, false, 2048)
	s.card.SCR = SCR{CMD23Support: true}

	buf := make([]byte, 8*512)

	if err := s.ReadBlocks(context.Background(), 100, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	want := []uint32{23, 18}

	if len(fh.CmdLog) != len(want) {
		t.Fatalf("command log = %v, want %v", fh.CmdLog, want)
	}

	for i, idx := range want {
		if fh.CmdLog[i] != idx {
			t.Errorf("command %d = CMD%d, want CMD%d", i, fh.CmdLog[i], idx)
		}
	}
}

// Scenario: multi-block read on SD without CMD23 support emits CMD18
// followed by CMD12 (spec §8 concrete scenario 4).
func TestReadBlocksFallsBackToCMD12WithoutCMD23(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	s := newTestSlot(t, fh, true, false, 2048)
	s.card.SCR = SCR{CMD23Support: false}

	buf := make([]byte, 8*512)

	if err := s.ReadBlocks(context.Background(), 100, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	want := []uint32{18, 12}

	if len(fh.CmdLog) != len(want) {
		t.Fatalf("command log = %v, want %v", fh.CmdLog, want)
	}

	for i, idx := range want {
		if fh.CmdLog[i] != idx {
			t.Errorf("command %d = CMD%d, want CMD%d", i, fh.CmdLog[i], idx)
		}
	}
}

// MMC always pre-counts via CMD23 regardless of SCR (which doesn't apply to
// MMC at all).
func TestReadBlocksMMCAlwaysUsesCMD23(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	s := newTestSlot(t, fh, false, true, 2048)

	buf := make([]byte, 512)

	if err := s.ReadBlocks(context.Background(), 0, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	if len(fh.CmdLog) != 2 || fh.CmdLog[0] != 23 || fh.CmdLog[1] != 18 {
		t.Fatalf("command log = %v, want [23 18]", fh.CmdLog)
	}
}

// Boundary: a transfer larger than MultiBlockLimit is chunked into
// ceil(n/limit) commands.
func TestReadBlocksChunksAboveMultiBlockLimit(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	s := newTestSlot(t, fh, false, true, 4096)

	buf := make([]byte, 20*512) // limit is 8 -> 3 chunks (8,8,4)

	if err := s.ReadBlocks(context.Background(), 0, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	var reads int

	for _, idx := range fh.CmdLog {
		if idx == 18 {
			reads++
		}
	}

	if reads != 3 {
		t.Fatalf("issued %d CMD18s, want 3", reads)
	}
}

// Round-trip: write(n) ; read(same) == identity for an aligned transfer.
func TestWriteReadRoundTrip(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	s := newTestSlot(t, fh, false, true, 4096)

	want := make([]byte, 4*512)
	for i := range want {
		want[i] = byte(i)
	}

	if err := s.WriteBlocks(context.Background(), 10, want); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	got := make([]byte, len(want))

	if err := s.ReadBlocks(context.Background(), 10, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

// checkBounds: a transfer running past the active partition's size is
// rejected rather than silently clipped or passed through to the host.
func TestReadBlocksOutOfBoundsRejected(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	s := newTestSlot(t, fh, false, true, 4)

	buf := make([]byte, 512)

	if err := s.ReadBlocks(context.Background(), 10, buf); err == nil {
		t.Fatal("expected error for out-of-bounds read, got nil")
	}
}

// RPMB reliable-write bit (bit 31) is set on CMD23's argument for MMC
// writes to the RPMB partition (spec §4.4).
func TestWriteRPMBSetsReliableWriteBit(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	var sawReliableBit bool

	fh.Script = map[uint32]func(cmd *host.Command) (host.Response, error){
		23: func(cmd *host.Command) (host.Response, error) {
			if cmd.Argument&(1<<31) != 0 {
				sawReliableBit = true
			}
			return host.Response{}, nil
		},
	}

	s := newTestSlot(t, fh, false, true, 4096)
	s.activePart = PartRPMB
	s.partitions[PartRPMB] = &Partition{Kind: PartRPMB, Blocks: 1, ReadOnly: true}

	frame := make([]byte, 512)

	if err := s.WriteRPMB(context.Background(), frame); err != nil {
		t.Fatalf("WriteRPMB: %v", err)
	}

	if !sawReliableBit {
		t.Fatal("CMD23 argument never carried the reliable-write bit")
	}
}

// Write-multi without CMD23: when the data phase command itself fails, the
// caller sees that original error, not a masking STOP failure (spec §9
// open question fix).
func TestTransferChunkDataPhaseErrorWinsOverStop(t *testing.T) {
	fh := host.NewFakeHost(1 << 20)
	fh.HighCapacity = true

	fh.Script = map[uint32]func(cmd *host.Command) (host.Response, error){
		25: func(cmd *host.Command) (host.Response, error) {
			return host.Response{}, errDataPhase
		},
		12: func(cmd *host.Command) (host.Response, error) {
			return host.Response{}, errStopFailed
		},
	}

	s := newTestSlot(t, fh, true, false, 2048)
	s.card.SCR = SCR{CMD23Support: false}

	buf := make([]byte, 512)

	err := s.WriteBlocks(context.Background(), 0, buf)

	if err == nil {
		t.Fatal("expected error")
	}

	if !strings.Contains(err.Error(), "errDataPhase") {
		t.Fatalf("error = %v, want it to wrap the data-phase error, not the STOP error", err)
	}
}

var errDataPhase = errors.New("errDataPhase")
var errStopFailed = errors.New("errStopFailed")
