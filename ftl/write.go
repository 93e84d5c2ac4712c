package ftl

// Write programs a 512-byte sector at lba, relocating the open write
// frontier if needed (§4.2). Returns false without mutating state for an
// out-of-range lba.
func (f *FTL) Write(lba int, data []byte) bool {
	if lba < 0 || lba >= f.flashLBAs {
		return false
	}
	if len(data) != lbaBytes {
		return false
	}

	if f.openEB < 0 {
		eb, err := f.selectBestEB()
		if err != nil {
			f.flt.record(err.Error())
			return false
		}
		f.openEB = int32(eb)
	}

	if !f.fi.Program(int(f.openEB), f.openEBNextIndex*lbaBytes, data) {
		f.flt.record("program failed")
		return false
	}

	old := f.l2p[lba]
	if old.valid() {
		f.ebSt.decValid(old.eb())
		if f.ebSt.get(old.eb()) == ebStateFree && old.eb() != int(f.openEB) {
			f.emptyEBs++
		}
	} else {
		f.validLBAs++
	}

	f.ebSt.incValid(int(f.openEB))
	f.l2p[lba] = makeL2P(int(f.openEB), f.openEBNextIndex)
	f.openEBNextIndex++

	if f.openEBNextIndex >= sectorsPerEB {
		f.openEB = -1
		f.openEBNextIndex = 0
	}

	f.ageMetadata()
	return true
}

// Read returns the stored contents of lba into dest (must be 512 bytes),
// or zero-fills it if lba has no valid mapping (§4.2). Returns false
// without mutating state for an out-of-range lba.
func (f *FTL) Read(lba int, dest []byte) bool {
	if lba < 0 || lba >= f.flashLBAs {
		return false
	}
	if len(dest) != lbaBytes {
		return false
	}

	e := f.l2p[lba]
	if !e.valid() {
		clear(dest)
		return true
	}
	if !f.fi.Read(e.eb(), e.idx()*lbaBytes, dest) {
		f.flt.record("read failed")
		return false
	}
	return true
}

// Trim clears lba's mapping, if any (§4.2). Idempotent: trimming an
// already-invalid lba is a no-op beyond the bounds check.
func (f *FTL) Trim(lba int) bool {
	if lba < 0 || lba >= f.flashLBAs {
		return false
	}

	e := f.l2p[lba]
	if !e.valid() {
		return true
	}

	eb := e.eb()
	f.ebSt.decValid(eb)
	f.validLBAs--
	if f.ebSt.get(eb) == ebStateFree {
		// An open EB emptied by the trim is closed, so it is counted (and
		// later erased and reused) like any other free EB.
		if eb == int(f.openEB) {
			f.openEB = -1
			f.openEBNextIndex = 0
		}
		f.emptyEBs++
	}
	f.l2p[lba] = 0
	f.ageMetadata()
	return true
}

// ageMetadata increments the metadata aging counter once per LBA mutation
// (§4.6). Every 256th call, when the 8-bit counter wraps, it triggers a
// Persist and a metadata-EB age-out rewrite. The counter is reset only by
// Format and Start, not by an explicit Persist. This cadence (once per Write
// call and once per Trim that clears a mapping, not once per erase-block
// open) matches the original SPIFTL source.
func (f *FTL) ageMetadata() {
	f.metadataAge++
	if f.metadataAge == 0 {
		f.log.Debug("metadata age wrapped, persisting")
		f.Persist()
		f.metaAgeRewrite()
	}
}
