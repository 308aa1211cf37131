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
	"time"

	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

// RPMB reliable-write bit on CMD23's argument, p106, 6.6.22.4.3
// Authenticated Data Write, JESD84-B51.
const cmd23ReliableWrite = 1 << 31

func (s *Slot) writeTimeout(blocks int) time.Duration {
	return 500 * time.Millisecond * time.Duration(blocks)
}

func (s *Slot) readTimeout(blocks int) time.Duration {
	return 100 * time.Millisecond * time.Duration(blocks)
}

// transferRaw issues a single (non-chunked) data command, used for
// EXT_CSD/SCR-style fixed-size reads where no LBA arithmetic applies.
func (s *Slot) transferRaw(ctx context.Context, index uint32, dir host.Direction, arg uint32, blocks int, blockSize int, buf []byte) error {
	bb, err := s.bounce.Prepare(buf, s.host.Capabilities().DMAAlignment, dir == host.Write)

	if err != nil {
		return wrapf(OutOfMemory, "transfer", "bounce buffer: %v", err)
	}

	defer bb.Release(dir == host.Read)

	_, err = s.host.Execute(ctx, &host.Command{
		Index: index, Argument: arg, Response: host.R1,
		Direction: dir, Blocks: blocks, BlockSize: blockSize, Data: bb.Bytes(),
	})

	if err != nil {
		return wrapf(IoError, "transfer", "CMD%d: %v", index, err)
	}

	return nil
}

// useCMD23 reports whether a pre-count (CMD23/SET_BLOCK_COUNT) should
// precede a multi-block command: MMC always supports it, SD only if SCR
// advertised it (spec §4.4).
func (s *Slot) useCMD23() bool {
	if s.card.MMC {
		return true
	}

	return s.card.SD && s.card.SCR.CMD23Support
}

// transferChunk issues one multi-block command bounded by the Host's
// MaxBlockCount, following p347-354, 35.5 Reading/writing data from/to the
// card, IMX6FG: CMD23 precount when available, otherwise an explicit CMD12
// STOP_TRANSMISSION after the data phase.
//
// When the data phase itself fails and a STOP is still issued to recover
// the bus, the STOP's own outcome is best-effort: the caller always sees
// the original data-phase error, never a STOP failure masking it.
func (s *Slot) transferChunk(ctx context.Context, dir host.Direction, lba int, blocks int, chunk []byte) error {
	index := uint32(18) // READ_MULTIPLE_BLOCK
	if dir == host.Write {
		index = 25 // WRITE_MULTIPLE_BLOCK
	}

	precount := s.useCMD23()

	if precount {
		arg := uint32(blocks)

		if dir == host.Write && s.activePart == PartRPMB {
			arg |= cmd23ReliableWrite
		}

		if _, err := s.do(ctx, 23, arg, host.R1); err != nil {
			return wrapf(IoError, "transfer", "CMD23: %v", err)
		}
	}

	arg := uint32(lba)

	if !s.card.HC {
		arg = uint32(lba * s.card.BlockSize)
	}

	var timeout time.Duration

	if dir == host.Write {
		timeout = s.writeTimeout(blocks)
	} else {
		timeout = s.readTimeout(blocks)
	}

	bb, err := s.bounce.Prepare(chunk, s.host.Capabilities().DMAAlignment, dir == host.Write)

	if err != nil {
		return wrapf(OutOfMemory, "transfer", "bounce buffer: %v", err)
	}

	defer bb.Release(dir == host.Read)

	_, execErr := s.host.Execute(ctx, &host.Command{
		Index: index, Argument: arg, Response: host.R1,
		Direction: dir, Blocks: blocks, BlockSize: s.card.BlockSize, Data: bb.Bytes(),
		Timeout: timeout,
	})

	if !precount {
		_, stopErr := s.do(ctx, 12, 0, host.R1b)

		if execErr != nil {
			return wrapf(IoError, "transfer", "CMD%d: %v", index, execErr)
		}

		if stopErr != nil {
			return wrapf(IoError, "transfer", "CMD12: %v", stopErr)
		}
	} else if execErr != nil {
		return wrapf(IoError, "transfer", "CMD%d: %v", index, execErr)
	}

	if dir == host.Write && s.cfg.SDIOWaitWriteComplete {
		return s.waitState(ctx, currentStateTran, s.writeTimeout(blocks))
	}

	return nil
}

// transferBlocks chunks a multi-block transfer into runs bounded by the
// configured/Host multi-block limit, advancing the LBA and buffer slice
// across chunks.
func (s *Slot) transferBlocks(ctx context.Context, dir host.Direction, lba int, buf []byte) error {
	blockSize := s.card.BlockSize

	if blockSize == 0 {
		return newError(NoDevice, "transfer", nil)
	}

	if len(buf)%blockSize != 0 {
		return wrapf(InvalidArgument, "transfer", "buffer length must be a multiple of %d bytes", blockSize)
	}

	blocks := len(buf) / blockSize
	limit := s.multiBlockLimit()

	for blocks > 0 {
		n := blocks

		if n > limit {
			n = limit
		}

		chunkLen := n * blockSize

		if err := s.transferChunk(ctx, dir, lba, n, buf[:chunkLen]); err != nil {
			return err
		}

		buf = buf[chunkLen:]
		lba += n
		blocks -= n
	}

	return nil
}

// ReadBlocks reads len(buf)/BlockSize blocks starting at lba (in the
// currently active partition) into buf. len(buf) must be a non-zero
// multiple of the card's block size.
func (s *Slot) ReadBlocks(ctx context.Context, lba int, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present {
		return newError(NoDevice, "read", nil)
	}

	if err := s.checkBounds(lba, len(buf)); err != nil {
		return err
	}

	return s.transferBlocks(ctx, host.Read, lba, buf)
}

// WriteBlocks writes len(buf)/BlockSize blocks starting at lba (in the
// currently active partition) from buf.
func (s *Slot) WriteBlocks(ctx context.Context, lba int, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present {
		return newError(NoDevice, "write", nil)
	}

	if part, ok := s.partitions[s.activePart]; ok && part.ReadOnly {
		return newError(PermissionDenied, "write", nil)
	}

	if err := s.checkBounds(lba, len(buf)); err != nil {
		return err
	}

	return s.transferBlocks(ctx, host.Write, lba, buf)
}

func (s *Slot) checkBounds(lba int, size int) error {
	if size == 0 {
		return newError(InvalidArgument, "transfer", nil)
	}

	part, ok := s.partitions[s.activePart]

	if !ok {
		return newError(NoDevice, "transfer", nil)
	}

	if lba < 0 || size%s.card.BlockSize != 0 {
		return newError(InvalidArgument, "transfer", nil)
	}

	if lba+size/s.card.BlockSize > part.Blocks {
		return wrapf(InvalidArgument, "transfer", "lba %d + %d blocks exceeds partition size %d", lba, size/s.card.BlockSize, part.Blocks)
	}

	return nil
}

// WriteRPMB transfers a single 512 byte Replay Protected Memory Block data
// frame. RPMB replay protection (MAC verification/nonce handling) is out
// of scope (Non-goals); this only moves the frame bytes through CMD25 with
// the partition already selected via SwitchPartition(PartRPMB).
func (s *Slot) WriteRPMB(ctx context.Context, frame []byte) error {
	return s.transferRPMB(ctx, host.Write, frame)
}

// ReadRPMB transfers a single 512 byte RPMB data frame.
func (s *Slot) ReadRPMB(ctx context.Context, frame []byte) error {
	return s.transferRPMB(ctx, host.Read, frame)
}

func (s *Slot) transferRPMB(ctx context.Context, dir host.Direction, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present || !s.card.MMC {
		return newError(NoDevice, "rpmb", nil)
	}

	if s.activePart != PartRPMB {
		return newError(InvalidState, "rpmb", nil)
	}

	if len(frame) != 512 {
		return newError(InvalidArgument, "rpmb", nil)
	}

	return s.transferChunk(ctx, dir, 0, 1, frame)
}
