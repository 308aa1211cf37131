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
	"errors"
	"testing"

	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

// setField packs val (masked) into a synthetic Response at bit position pos,
// the inverse of Response.Bits, letting a test build a raw register value
// from named fields instead of hand-computing word layout.
func setField(words *host.Response, pos int, mask uint32, val uint32) {
	wordIdx := pos / 32
	shift := uint(pos % 32)

	combined := uint64(val&mask) << shift

	if wordIdx >= 0 && wordIdx < 4 {
		words[wordIdx] |= uint32(combined)
	}

	if wordIdx+1 >= 0 && wordIdx+1 < 4 {
		words[wordIdx+1] |= uint32(combined >> 32)
	}
}

// Golden scenario from the card identification walkthrough: a CSD 2.0
// (high capacity) register with C_SIZE=0x1DB7 decodes to 31490048 blocks of
// 512 bytes (15376 MiB).
func TestDecodeCSDSDVersion2HighCapacity(t *testing.T) {
	var rsp host.Response

	setField(&rsp, sdCSDStructure, 0b11, 1)
	setField(&rsp, sdCSDCSize2, 0x3fffff, 0x1DB7)
	setField(&rsp, sdCSDReadBlLen1, 0xf, 9)
	setField(&rsp, sdCSDTranSpeed1, 0xff, tranSpeed26MHz)

	csd, err := decodeCSDSD(rsp)

	if err != nil {
		t.Fatalf("decodeCSDSD: %v", err)
	}

	if csd.Version != 1 {
		t.Errorf("Version = %d, want 1", csd.Version)
	}

	if csd.BlockSize != 512 {
		t.Errorf("BlockSize = %d, want 512", csd.BlockSize)
	}

	if want := 31490048; csd.Blocks != want {
		t.Errorf("Blocks = %d, want %d", csd.Blocks, want)
	}
}

func TestDecodeCSDSDVersion1StandardCapacity(t *testing.T) {
	var rsp host.Response

	setField(&rsp, sdCSDStructure, 0b11, 0)
	setField(&rsp, sdCSDCSizeMult1, 0b111, 4)
	setField(&rsp, sdCSDCSize1, 0xfff, 1000)
	setField(&rsp, sdCSDReadBlLen1, 0xf, 9)
	setField(&rsp, sdCSDTranSpeed1, 0xff, tranSpeed26MHz)

	csd, err := decodeCSDSD(rsp)

	if err != nil {
		t.Fatalf("decodeCSDSD: %v", err)
	}

	wantBlocks := int((1000 + 1) * (2 << (4 + 2)))

	if csd.Blocks != wantBlocks {
		t.Errorf("Blocks = %d, want %d", csd.Blocks, wantBlocks)
	}
}

// SDUC capacity (CSD structure version 2) is explicitly out of scope and
// must be rejected rather than silently mis-decoded.
func TestDecodeCSDSDVersion3Rejected(t *testing.T) {
	var rsp host.Response
	setField(&rsp, sdCSDStructure, 0b11, 2)

	if _, err := decodeCSDSD(rsp); err == nil {
		t.Fatal("expected SDUC capacity to be rejected, got nil error")
	}
}

// Golden scenario: an eMMC EXT_CSD SEC_COUNT field of 0x00EC0000 overrides a
// CSD-reported capacity above the 2GB CSD C_SIZE ceiling.
func TestDecodeExtCSDSectorCountOverride(t *testing.T) {
	buf := make([]byte, 512)
	buf[extCSDSecCount+0] = 0x00
	buf[extCSDSecCount+1] = 0x00
	buf[extCSDSecCount+2] = 0xEC
	buf[extCSDSecCount+3] = 0x00

	ext, err := decodeExtCSD(buf)

	if err != nil {
		t.Fatalf("decodeExtCSD: %v", err)
	}

	if want := uint32(0x00EC0000); ext.SectorCount != want {
		t.Errorf("SectorCount = %#x, want %#x", ext.SectorCount, want)
	}

	if want := 15466496; int(ext.SectorCount) != want {
		t.Errorf("SectorCount as blocks = %d, want %d", ext.SectorCount, want)
	}
}

func TestDecodeExtCSDShortReadRejected(t *testing.T) {
	if _, err := decodeExtCSD(make([]byte, 10)); err == nil {
		t.Fatal("expected short EXT_CSD read to be rejected")
	}
}

func TestExtCSDPartitionsBootAndRPMBAndGP(t *testing.T) {
	ext := ExtCSD{
		BootSizeMult:             4,  // 4 * 128 KiB
		RPMBSizeMult:             2,  // 2 * 128 KiB
		PartitionSettingComplete: true,
		GPSizeMult:               [4]uint32{1, 0, 0, 0}, // 1 * 512 KiB
	}

	parts := ext.partitions()

	var sawBoot0, sawBoot1, sawRPMB, sawGP1 bool

	for _, p := range parts {
		switch p.Kind {
		case PartBoot0:
			sawBoot0 = true
			if want := 4 * 128 * 1024 / 512; p.Blocks != want {
				t.Errorf("boot0 blocks = %d, want %d", p.Blocks, want)
			}
		case PartBoot1:
			sawBoot1 = true
		case PartRPMB:
			sawRPMB = true
			if !p.ReadOnly {
				t.Error("RPMB partition must be marked read-only")
			}
		case PartGP1:
			sawGP1 = true
		}
	}

	if !sawBoot0 || !sawBoot1 || !sawRPMB || !sawGP1 {
		t.Fatalf("partitions = %+v, missing an expected kind", parts)
	}
}

// A card that never completed partition setting must not expose GP
// partitions, even if GP_SIZE_MULT happens to be non-zero.
func TestExtCSDPartitionsSkipsGPWithoutSettingComplete(t *testing.T) {
	ext := ExtCSD{
		PartitionSettingComplete: false,
		GPSizeMult:               [4]uint32{1, 1, 1, 1},
	}

	for _, p := range ext.partitions() {
		if p.Kind == PartGP1 || p.Kind == PartGP2 || p.Kind == PartGP3 || p.Kind == PartGP4 {
			t.Fatalf("unexpected GP partition %v without PartitionSettingComplete", p.Kind)
		}
	}
}

func TestDecodeSCR(t *testing.T) {
	data := []byte{0x02, 0x05, 0, 0, 0x02, 0, 0, 0} // spec 2.0, 1/4 bit, CMD23 supported

	scr, err := decodeSCR(data)

	if err != nil {
		t.Fatalf("decodeSCR: %v", err)
	}

	if !scr.CMD23Support {
		t.Error("CMD23Support = false, want true")
	}

	if len(scr.BusWidths) != 2 || scr.BusWidths[0] != 1 || scr.BusWidths[1] != 4 {
		t.Errorf("BusWidths = %v, want [1 4]", scr.BusWidths)
	}
}

func TestDecodeSCRShortReadRejected(t *testing.T) {
	if _, err := decodeSCR(make([]byte, 4)); err == nil {
		t.Fatal("expected short SCR read to be rejected")
	}
}

func TestDecodeCIDSD(t *testing.T) {
	var rsp host.Response

	setField(&rsp, cidMID, 0xff, 0x03)
	setField(&rsp, cidOID, 0xffff, 0x5344) // "SD"
	setField(&rsp, cidPRV, 0xff, 0x10)
	setField(&rsp, cidPSN, 0xffffffff, 0xdeadbeef)

	// 5 ASCII bytes "SDCRD" at [103:64]
	name := "SDCRD"
	for i := 0; i < len(name); i++ {
		setField(&rsp, cidPNMSD+(len(name)-1-i)*8, 0xff, uint32(name[i]))
	}

	cid := decodeCID(rsp, false)

	if cid.ManufacturerID != 0x03 {
		t.Errorf("ManufacturerID = %#x, want 0x03", cid.ManufacturerID)
	}

	if cid.ProductName != name {
		t.Errorf("ProductName = %q, want %q", cid.ProductName, name)
	}

	if cid.SerialNumber != 0xdeadbeef {
		t.Errorf("SerialNumber = %#x, want 0xdeadbeef", cid.SerialNumber)
	}
}

func TestResponseBitsSpansWordBoundary(t *testing.T) {
	rsp := host.Response{0, 0, 0, 0}
	rsp[0] = 0xffff0000
	rsp[1] = 0x0000ffff

	// bits [47:16] straddle word 0 and word 1: top 16 bits of word0 and
	// bottom 16 bits of word1, all ones, should read back as 0xffffffff.
	got := rsp.Bits(16, 0xffffffff)

	if got != 0xffffffff {
		t.Errorf("Bits(16, ...) = %#x, want 0xffffffff", got)
	}
}

func TestResponseWordOutOfRange(t *testing.T) {
	rsp := host.Response{1, 2, 3, 4}

	if got := rsp.Word(-1); got != 0 {
		t.Errorf("Word(-1) = %d, want 0", got)
	}

	if got := rsp.Word(4); got != 0 {
		t.Errorf("Word(4) = %d, want 0", got)
	}
}

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	err := wrapf(NoDevice, "read", "card removed")

	if !errors.Is(err, ErrNoDevice) {
		t.Error("expected errors.Is to match ErrNoDevice by Kind")
	}

	if errors.Is(err, ErrTimeout) {
		t.Error("expected errors.Is not to match a different Kind")
	}
}
