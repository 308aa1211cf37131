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

// sdv2Script wires a FakeHost's Script map to answer the full CMD0/CMD8/
// ACMD41/CMD2/CMD3/CMD9/CMD7/ACMD51/CMD6/CMD16 sequence for a single SDv2
// high capacity card, per the identification walkthrough: CMD8(0x1AA)
// answers R7(0x1AA); CMD55+ACMD41(HCS=1) answers R3 with BUSY=1, HCS=1;
// CMD3 hands back RCA=0x1234; CMD9 returns a CSD 2.0 with C_SIZE=0x781F.
func sdv2Script(t *testing.T, lastCMD16Arg *uint32) map[uint32]func(cmd *host.Command) (host.Response, error) {
	t.Helper()

	const rca = 0x1234

	return map[uint32]func(cmd *host.Command) (host.Response, error){
		8: func(cmd *host.Command) (host.Response, error) {
			var rsp host.Response
			rsp[0] = cmd.Argument
			return rsp, nil
		},
		55: func(cmd *host.Command) (host.Response, error) {
			var rsp host.Response
			setField(&rsp, statusAppCmd, 1, 1)
			return rsp, nil
		},
		41: func(cmd *host.Command) (host.Response, error) {
			var rsp host.Response
			setField(&rsp, sdOCRBusy, 1, 1)
			setField(&rsp, sdOCRHCS, 1, 1)
			return rsp, nil
		},
		2: func(cmd *host.Command) (host.Response, error) {
			return host.Response{}, nil
		},
		3: func(cmd *host.Command) (host.Response, error) {
			var rsp host.Response
			rsp[0] = uint32(rca) << rcaShift
			setField(&rsp, statusCurrentState, 0b1111, currentStateIdent)
			return rsp, nil
		},
		9: func(cmd *host.Command) (host.Response, error) {
			var rsp host.Response
			setField(&rsp, sdCSDStructure, 0b11, 1)
			setField(&rsp, sdCSDCSize2, 0x3fffff, 0x1DB7)
			setField(&rsp, sdCSDReadBlLen1, 0xf, 9)
			setField(&rsp, sdCSDTranSpeed1, 0xff, tranSpeed26MHz)
			return rsp, nil
		},
		7: func(cmd *host.Command) (host.Response, error) {
			return host.Response{}, nil
		},
		13: func(cmd *host.Command) (host.Response, error) {
			var rsp host.Response
			setField(&rsp, statusCurrentState, 0b1111, currentStateTran)
			return rsp, nil
		},
		51: func(cmd *host.Command) (host.Response, error) {
			// SCR: spec 2.0, 1 bit only (avoids the ACMD42/ACMD6 4 bit
			// switch path), CMD23 unsupported.
			copy(cmd.Data, []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0})
			return host.Response{}, nil
		},
		6: func(cmd *host.Command) (host.Response, error) {
			// status[13] bit0 clear: card doesn't advertise High Speed,
			// switchHighSpeedSD stops after the check pass.
			return host.Response{}, nil
		},
		16: func(cmd *host.Command) (host.Response, error) {
			*lastCMD16Arg = cmd.Argument
			return host.Response{}, nil
		},
	}
}

// Concrete scenario 1 (spec §8): SDv2 HC card identification end to end
// through Probe, asserting the decoded RCA and capacity match the golden
// walkthrough.
func TestProbeSDv2HighCapacityIdentification(t *testing.T) {
	fh := host.NewFakeHost(32 * 1024 * 1024)
	fh.HighCapacity = true

	var lastCMD16Arg uint32
	fh.Script = sdv2Script(t, &lastCMD16Arg)

	s := NewSlot(fh, 0, 64*1024, Config{})

	if err := s.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if !s.card.SD || s.card.MMC {
		t.Fatalf("card = %+v, want SD=true MMC=false", s.card)
	}

	if !s.card.HC {
		t.Error("HC = false, want true for this high capacity card")
	}

	if want := uint32(0x1234) << rcaShift; s.rca != want {
		t.Errorf("rca = %#x, want %#x", s.rca, want)
	}

	if want := 31490048; s.card.CSD.Blocks != want {
		t.Errorf("CSD.Blocks = %d, want %d", s.card.CSD.Blocks, want)
	}

	if s.card.BlockSize != 512 {
		t.Errorf("BlockSize = %d, want 512", s.card.BlockSize)
	}

	capacityMiB := s.card.Blocks * s.card.BlockSize / (1024 * 1024)

	if want := 15376; capacityMiB != want {
		t.Errorf("capacity = %d MiB, want %d MiB", capacityMiB, want)
	}

	// invariant 2: selblocklen equals the last CMD16 argument observed.
	if lastCMD16Arg != uint32(s.card.BlockSize) {
		t.Errorf("last CMD16 argument = %d, want %d", lastCMD16Arg, s.card.BlockSize)
	}

	if !s.present {
		t.Error("present = false after a successful Probe")
	}
}

// Idempotence: probe(); removed(); probe() leaves geometry equal to the
// first probe, and Removed() deregisters the card in between.
func TestProbeRemovedProbeIdempotent(t *testing.T) {
	fh := host.NewFakeHost(32 * 1024 * 1024)
	fh.HighCapacity = true

	var unused uint32
	fh.Script = sdv2Script(t, &unused)

	s := NewSlot(fh, 0, 64*1024, Config{})

	if err := s.Probe(context.Background()); err != nil {
		t.Fatalf("first Probe: %v", err)
	}

	first := s.card

	s.Removed()

	if s.Present() {
		t.Fatal("Present() = true after Removed()")
	}

	if len(s.Partitions()) != 0 {
		t.Fatal("Partitions() non-empty after Removed()")
	}

	if err := s.Probe(context.Background()); err != nil {
		t.Fatalf("second Probe: %v", err)
	}

	if s.card.Blocks != first.Blocks || s.card.BlockSize != first.BlockSize || s.rca != uint32(0x1234)<<rcaShift {
		t.Fatalf("second probe geometry = %+v, want %+v (stable media)", s.card, first)
	}
}
