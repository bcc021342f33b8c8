package blockdevice

// WriteBytesToSectors writes a byte slice whose length does not have to
// be a multiple of the sector size. Full sectors are written directly
// from p. The trailing fragment, if any, is copied into a scratch
// sector that is padded with zero bytes, so that no stale bytes from
// the caller's buffer or from previous records end up on the medium.
func WriteBytesToSectors(d SectorDevice, p []byte, sectorAddr uint32) error {
	if len(p) == 0 {
		return nil
	}
	nSectors := MinSectorForSize(uint32(len(p)))
	partialSizeBytes := len(p) % SectorSizeBytes
	if partialSizeBytes == 0 {
		return d.WriteSectors(p, sectorAddr, nSectors)
	}
	if nSectors > 1 {
		if err := d.WriteSectors(p, sectorAddr, nSectors-1); err != nil {
			return err
		}
	}
	var scratch [SectorSizeBytes]byte
	copy(scratch[:], p[(nSectors-1)*SectorSizeBytes:])
	return d.WriteSectors(scratch[:], sectorAddr+nSectors-1, 1)
}

// ReadBytesFromSectors reads exactly len(p) bytes starting at the given
// sector. The trailing fragment of the final sector is read through a
// scratch buffer, so that p is filled without the caller having to
// round its buffer up to a sector multiple.
func ReadBytesFromSectors(d SectorDevice, p []byte, sectorAddr uint32) error {
	if len(p) == 0 {
		return nil
	}
	nSectors := MinSectorForSize(uint32(len(p)))
	partialSizeBytes := len(p) % SectorSizeBytes
	if partialSizeBytes == 0 {
		return d.ReadSectors(p, sectorAddr, nSectors)
	}
	if nSectors > 1 {
		if err := d.ReadSectors(p, sectorAddr, nSectors-1); err != nil {
			return err
		}
	}
	var scratch [SectorSizeBytes]byte
	if err := d.ReadSectors(scratch[:], sectorAddr+nSectors-1, 1); err != nil {
		return err
	}
	copy(p[(nSectors-1)*SectorSizeBytes:], scratch[:partialSizeBytes])
	return nil
}
