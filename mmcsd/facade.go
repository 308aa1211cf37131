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

// BlockDevice is a handle onto one partition of a Slot's card, opened via
// Slot.Open. Multiple handles onto the same partition may be open at once;
// Close decrements the slot's open-reference count for that partition.
// Removed (lifecycle.go) does not wait for that count to drain: it only
// logs the handles still open and tears the card down regardless.
type BlockDevice struct {
	slot *Slot
	kind PartitionKind
}

// Open returns a handle onto the named partition of the card currently in
// s. Fails with NoDevice if no card is present, InvalidArgument if the
// card has no such partition (e.g. requesting PartGP1 on a card with no
// general purpose partitions configured).
func (s *Slot) Open(kind PartitionKind) (*BlockDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present {
		return nil, newError(NoDevice, "open", nil)
	}

	if _, ok := s.partitions[kind]; !ok {
		return nil, newError(InvalidArgument, "open", nil)
	}

	s.openRefs[kind]++

	return &BlockDevice{slot: s, kind: kind}, nil
}

// Close releases this handle. It never fails; double-Close is a safe no-op.
func (d *BlockDevice) Close() error {
	d.slot.mu.Lock()
	defer d.slot.mu.Unlock()

	if n := d.slot.openRefs[d.kind]; n > 0 {
		d.slot.openRefs[d.kind] = n - 1
	}

	return nil
}

// Kind returns which partition this handle addresses.
func (d *BlockDevice) Kind() PartitionKind { return d.kind }

// Size returns the partition size in bytes.
func (d *BlockDevice) Size() int64 {
	d.slot.mu.Lock()
	defer d.slot.mu.Unlock()

	part, ok := d.slot.partitions[d.kind]

	if !ok {
		return 0
	}

	return int64(part.Blocks) * int64(d.slot.card.BlockSize)
}

// BlockSize returns the card's block size in bytes.
func (d *BlockDevice) BlockSize() int {
	d.slot.mu.Lock()
	defer d.slot.mu.Unlock()

	return d.slot.card.BlockSize
}

// ensureSelected switches the slot to this handle's partition if it isn't
// already selected. Must be called with d.slot.mu held.
func (d *BlockDevice) ensureSelected(ctx context.Context) error {
	if d.slot.activePart == d.kind {
		return nil
	}

	d.slot.mu.Unlock()
	err := d.slot.SwitchPartition(ctx, d.kind)
	d.slot.mu.Lock()

	return err
}

// ReadAt reads len(p) bytes starting at byte offset off, padding out to a
// whole number of blocks internally if off/len(p) aren't block aligned.
func (d *BlockDevice) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	d.slot.mu.Lock()

	if !d.slot.present {
		d.slot.mu.Unlock()
		return 0, newError(NoDevice, "read", nil)
	}

	if err := d.ensureSelected(ctx); err != nil {
		d.slot.mu.Unlock()
		return 0, err
	}

	blockSize := d.slot.card.BlockSize
	d.slot.mu.Unlock()

	if blockSize == 0 {
		return 0, newError(NoDevice, "read", nil)
	}

	startLBA := int(off / int64(blockSize))
	startPad := int(off % int64(blockSize))
	endLBA := int((off + int64(len(p)) + int64(blockSize) - 1) / int64(blockSize))

	buf := make([]byte, (endLBA-startLBA)*blockSize)

	if err := d.slot.ReadBlocks(ctx, startLBA, buf); err != nil {
		return 0, err
	}

	n := copy(p, buf[startPad:])

	return n, nil
}

// WriteAt writes len(p) bytes starting at byte offset off. Partial leading
// or trailing blocks are handled with a read-modify-write so callers never
// have to hand-align to the card's block size.
func (d *BlockDevice) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	d.slot.mu.Lock()

	if !d.slot.present {
		d.slot.mu.Unlock()
		return 0, newError(NoDevice, "write", nil)
	}

	if part, ok := d.slot.partitions[d.kind]; ok && part.ReadOnly {
		d.slot.mu.Unlock()
		return 0, newError(PermissionDenied, "write", nil)
	}

	if err := d.ensureSelected(ctx); err != nil {
		d.slot.mu.Unlock()
		return 0, err
	}

	blockSize := d.slot.card.BlockSize
	d.slot.mu.Unlock()

	if blockSize == 0 {
		return 0, newError(NoDevice, "write", nil)
	}

	startLBA := int(off / int64(blockSize))
	startPad := int(off % int64(blockSize))
	endLBA := int((off + int64(len(p)) + int64(blockSize) - 1) / int64(blockSize))

	buf := make([]byte, (endLBA-startLBA)*blockSize)

	if startPad != 0 || len(buf) != len(p) {
		if err := d.slot.ReadBlocks(ctx, startLBA, buf); err != nil {
			return 0, err
		}
	}

	copy(buf[startPad:], p)

	if err := d.slot.WriteBlocks(ctx, startLBA, buf); err != nil {
		return 0, err
	}

	return len(p), nil
}
