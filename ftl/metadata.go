package ftl

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// ftlInfo is the geometry fingerprint stored at the head of every metadata
// generation (§4.5 item 1). On reload it must match the constructing FTL's
// own geometry exactly or the generation is rejected — this is what makes
// Geometry rejection (§8 scenario 6) work.
type ftlInfo struct {
	ebBytes     uint16
	lbaBytes    uint16
	flashBytes  uint32
	metaEBBytes uint16
	flashLBAs   uint16
}

const ftlInfoSize = 12

func (fi ftlInfo) marshal() []byte {
	b := make([]byte, ftlInfoSize)
	binary.LittleEndian.PutUint16(b[0:2], fi.ebBytes)
	binary.LittleEndian.PutUint16(b[2:4], fi.lbaBytes)
	binary.LittleEndian.PutUint32(b[4:8], fi.flashBytes)
	binary.LittleEndian.PutUint16(b[8:10], fi.metaEBBytes)
	binary.LittleEndian.PutUint16(b[10:12], fi.flashLBAs)
	return b
}

func unmarshalFTLInfo(b []byte) ftlInfo {
	return ftlInfo{
		ebBytes:     binary.LittleEndian.Uint16(b[0:2]),
		lbaBytes:    binary.LittleEndian.Uint16(b[2:4]),
		flashBytes:  binary.LittleEndian.Uint32(b[4:8]),
		metaEBBytes: binary.LittleEndian.Uint16(b[8:10]),
		flashLBAs:   binary.LittleEndian.Uint16(b[10:12]),
	}
}

func (f *FTL) currentFTLInfo() ftlInfo {
	return ftlInfo{
		ebBytes:     eraseBlockBytes,
		lbaBytes:    lbaBytes,
		flashBytes:  uint32(f.eraseBlocks * eraseBlockBytes),
		metaEBBytes: uint16(f.metaEBBytes),
		flashLBAs:   uint16(f.flashLBAs),
	}
}

// metadataPayloadEnd is the offset at which the CRC begins: 4096 - 4.
const metadataPayloadEnd = eraseBlockBytes - 4

// metadataWriter streams bytes into a sequence of destination erase blocks,
// one metadata generation at a time, mirroring the original's
// writeMetadata8b/closeMetadataStream exactly: a header (signature + epoch
// word) is (re)written at the start of every destination EB, a CRC is
// appended at the tail, and the accumulation buffer is flushed to flash
// every WriteBufferSize bytes.
type metadataWriter struct {
	f     *FTL
	queue []int // remaining destination EBs, front = current
	buf   []byte
	offset int // bytes emitted into the current EB, including header
	index  uint8
	crc    metadataCRC
}

func (f *FTL) newMetadataWriter(queue []int) *metadataWriter {
	return &metadataWriter{
		f:   f,
		queue: queue,
		buf: make([]byte, f.flashWriteBufSz),
	}
}

func (w *metadataWriter) writeByte(b byte) {
	f := w.f
	bufSz := f.flashWriteBufSz

	if w.offset == metadataPayloadEnd {
		sum := w.crc.sum()
		binary.LittleEndian.PutUint32(w.buf[bufSz-4:bufSz], sum)
		f.programMetadata(w.queue[0], eraseBlockBytes-bufSz, w.buf)
		w.queue = w.queue[1:]
		w.crc.reset()
		w.offset = 0
		w.index++
	}
	if w.offset == 0 {
		clear(w.buf)
		copy(w.buf[0:8], metadataSig[:])
		w.crc.addBytes(metadataSig[:])
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], (f.metadataEpoch<<8)|uint32(w.index))
		copy(w.buf[8:12], word[:])
		w.crc.addBytes(word[:])
		w.offset = 12
	}

	w.buf[w.offset%bufSz] = b
	w.crc.add(b)
	w.offset++
	if w.offset%bufSz == 0 {
		if w.offset == bufSz {
			f.eraseEB(w.queue[0])
			f.ebSt.setMeta(w.queue[0])
		}
		f.programMetadata(w.queue[0], w.offset-bufSz, w.buf)
		clear(w.buf)
	}
}

func (w *metadataWriter) writeBytes(b []byte) {
	for _, x := range b {
		w.writeByte(x)
	}
}

func (w *metadataWriter) writeU16BE(v uint16) {
	w.writeByte(byte(v >> 8))
	w.writeByte(byte(v))
}

func (w *metadataWriter) writeU32BE(v uint32) {
	w.writeByte(byte(v >> 24))
	w.writeByte(byte(v >> 16))
	w.writeByte(byte(v >> 8))
	w.writeByte(byte(v))
}

// close zero-pads the stream until the current EB's trailing CRC has been
// flushed, the way closeMetadataStream does: the loop naturally stops the
// instant the writer rolls into the next (now fully zero, freshly
// header-initialized) EB, because it only pads the *current* one out.
func (w *metadataWriter) close() {
	for w.offset > 13 {
		w.writeByte(0)
	}
}

func (f *FTL) programMetadata(eb, offset int, buf []byte) {
	if !f.fi.Program(eb, offset, buf) {
		f.flt.record("metadata program failed")
	}
}

// openMetadataStreamForWrite implements §4.5's persist procedure steps 1-2:
// recompute each current metadata slot's CRC/epoch, free anything stale,
// reallocate freed slots, and return the destination queue for step 3 to
// stream into. metadataEpoch is incremented as the final part of this step.
func (f *FTL) openMetadataStreamForWrite() []int {
	var queue []int
	for j, eb32 := range f.metaEBList {
		eb := int(eb32)
		if eb < 0 {
			continue
		}
		data := f.fi.ReadEB(eb)
		crc := newMetadataCRC()
		crc.addBytes(data[:metadataPayloadEnd])
		storedCRC := binary.LittleEndian.Uint32(data[metadataPayloadEnd:eraseBlockBytes])
		epochWord := binary.LittleEndian.Uint32(data[8:12])
		mde := epochWord >> 8
		valid := crc.sum() == storedCRC
		if !valid || mde < f.metadataEpoch {
			// Leave the actual flash erase for write time (metadataWriter
			// erases its destination on the first buffer boundary) — a
			// freed slot is just "eligible for reuse", not yet blank.
			f.ebSt.setFree(eb)
			f.metaEBList[j] = -1
			f.emptyEBs++
		}
	}

	for i, eb32 := range f.metaEBList {
		if eb32 >= 0 {
			continue
		}
		eb := f.lowestEmptyEB()
		if eb < 0 {
			f.flt.record(errGCExhausted.Error())
			break
		}
		queue = append(queue, eb)
		f.ebSt.setMeta(eb)
		f.metaEBList[i] = int32(eb)
		f.emptyEBs--
	}

	f.metadataEpoch++
	return queue
}

// doPersist implements §4.5's persist procedure step 3: serialize the full
// FTL state into the destination queue built by openMetadataStreamForWrite.
// Returns false if any fault was recorded while persisting.
func (f *FTL) doPersist() bool {
	f.log.Debug("persisting metadata", zap.Uint32("nextEpoch", f.metadataEpoch+1))
	faultsBefore := f.flt.Count()

	queue := f.openMetadataStreamForWrite()
	w := f.newMetadataWriter(queue)

	w.writeBytes(f.currentFTLInfo().marshal())

	for _, pe := range f.peCount {
		w.writeByte(pe)
	}
	for _, b := range f.ebSt {
		w.writeByte(b)
	}
	for _, e := range f.l2p {
		w.writeU16BE(uint16(e))
	}
	w.writeU32BE(f.peCountOffset)

	w.close()
	return f.flt.Count() == faultsBefore
}

// metadataReader is the read-side counterpart of metadataWriter, mirroring
// openMetadataStreamForRead/readMetadata8b.
type metadataReader struct {
	f      *FTL
	queue  []int
	ebData []byte
	offset int
}

func (f *FTL) newMetadataReader(queue []int) *metadataReader {
	r := &metadataReader{f: f, queue: queue}
	r.ebData = f.fi.ReadEB(r.queue[0])
	return r
}

func (r *metadataReader) readByte() byte {
	if r.offset >= metadataPayloadEnd {
		r.queue = r.queue[1:]
		r.offset = 0
		r.ebData = r.f.fi.ReadEB(r.queue[0])
	}
	if r.offset < 12 {
		r.offset = 12
	}
	b := r.ebData[r.offset]
	r.offset++
	return b
}

func (r *metadataReader) readBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = r.readByte()
	}
	return out
}

func (r *metadataReader) readU16BE() uint16 {
	hi := r.readByte()
	lo := r.readByte()
	return uint16(hi)<<8 | uint16(lo)
}

func (r *metadataReader) readU32BE() uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(r.readByte())
	}
	return v
}

// populateMetadataMap scans every erase block for the metadata signature
// and a passing CRC, grouping surviving blocks by generation epoch (§4.8
// step 2).
func (f *FTL) populateMetadataMap() map[uint32][]int {
	mm := make(map[uint32][]int)
	for i := 0; i < f.eraseBlocks; i++ {
		data := f.fi.ReadEB(i)
		if !hasMetadataSig(data) {
			continue
		}
		crc := newMetadataCRC()
		crc.addBytes(data[:metadataPayloadEnd])
		storedCRC := binary.LittleEndian.Uint32(data[metadataPayloadEnd:eraseBlockBytes])
		if crc.sum() != storedCRC {
			f.log.Debug("metadata signature with bad CRC", zap.Int("eb", i))
			continue
		}
		epochWord := binary.LittleEndian.Uint32(data[8:12])
		epoch := epochWord >> 8
		mm[epoch] = append(mm[epoch], i)
	}
	return mm
}

// loadHighestEpochMetadata tries epochs from highest to lowest until one
// fully validates (geometry match, complete EB list), rebuilding all in-RAM
// state from it (§4.8 step 3).
func (f *FTL) loadHighestEpochMetadata(mm map[uint32][]int) bool {
	for {
		var best uint32
		for e := range mm {
			if e > best {
				best = e
			}
		}
		if best == 0 {
			return false
		}
		if f.tryLoadEpoch(best, mm[best]) {
			return true
		}
		delete(mm, best)
	}
}

// tryLoadEpoch attempts to reconstruct state from one candidate generation.
func (f *FTL) tryLoadEpoch(epoch uint32, ebs []int) bool {
	f.log.Debug("attempting metadata epoch", zap.Uint32("epoch", epoch), zap.Ints("ebs", ebs))

	queue := make([]int, f.metaEBBytesGenerationLength())
	epochWordPrefix := epoch << 8
	for i := range queue {
		found := -1
		for _, eb := range ebs {
			word := binary.LittleEndian.Uint32(f.fi.ReadEB(eb)[8:12])
			if word == epochWordPrefix|uint32(i) {
				found = eb
				break
			}
		}
		if found < 0 {
			return false
		}
		queue[i] = found
	}

	r := f.newMetadataReader(queue)

	info := unmarshalFTLInfo(r.readBytes(ftlInfoSize))
	if info != f.currentFTLInfo() {
		f.log.Debug("metadata geometry mismatch, rejecting epoch", zap.Uint32("epoch", epoch))
		return false
	}

	peCount := make([]uint8, f.eraseBlocks)
	highest := 0
	for i := range peCount {
		peCount[i] = r.readByte()
		if int(peCount[i]) > highest {
			highest = int(peCount[i])
		}
	}

	ebSt := newEBState(f.eraseBlocks)
	metaEBList := make([]int32, f.metaEBs)
	for i := range metaEBList {
		metaEBList[i] = -1
	}
	emptyEBs := 0
	j := 0
	for i := 0; i < (f.eraseBlocks+1)/2; i++ {
		ebSt[i] = r.readByte()
		for _, eb := range [2]int{i * 2, i*2 + 1} {
			if eb >= f.eraseBlocks {
				continue
			}
			if ebSt.isMeta(eb) && j < len(metaEBList) {
				metaEBList[j] = int32(eb)
				j++
			}
			if ebSt.get(eb) == ebStateFree {
				emptyEBs++
			}
		}
	}

	l2p := make([]l2pEntry, f.flashLBAs)
	validLBAs := 0
	for i := range l2p {
		l2p[i] = l2pEntry(r.readU16BE())
		if l2p[i].valid() {
			validLBAs++
		}
	}

	peCountOffset := r.readU32BE()

	f.peCount = peCount
	f.highestPECount = highest
	f.ebSt = ebSt
	f.metaEBList = metaEBList
	f.emptyEBs = emptyEBs
	f.l2p = l2p
	f.validLBAs = validLBAs
	f.peCountOffset = peCountOffset
	f.metadataEpoch = epoch
	f.openEB = -1
	f.openEBNextIndex = 0
	f.gcCursor = 0
	return true
}

// metaEBBytesGenerationLength returns how many logical EB slots one
// metadata generation actually spans: metaEBs is sized for two generations
// simultaneously (§3), so a single generation is half that, rounded up the
// same way the constructor derives metaEBs itself.
func (f *FTL) metaEBBytesGenerationLength() int {
	return 1 + f.metaEBBytes/(eraseBlockBytes-64)
}
