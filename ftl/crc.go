package ftl

import "hash/crc32"

// metadataCRC is the streaming CRC-32 the metadata serializer folds every
// byte through as it's written (§4.5): IEEE 802.3 polynomial 0xEDB88320,
// init 0xFFFFFFFF, reflected, final XOR 0xFFFFFFFF. That's exactly Go's
// stdlib IEEE table, so this wraps hash/crc32 rather than hand-rolling the
// bit loop the original C++ does (it has no CRC in its standard library;
// Go does). The streaming init/add/finalize shape comes from folding each
// chunk into a running uint32 with crc32.Update.
type metadataCRC struct {
	h uint32
}

func newMetadataCRC() metadataCRC {
	return metadataCRC{}
}

// reset zeroes the running accumulator. crc32.Update(0, IEEETable, data)
// for the first call is equivalent to crc32.ChecksumIEEE(data), so the zero
// value doubles as "freshly reset".
func (c *metadataCRC) reset() {
	c.h = 0
}

func (c *metadataCRC) add(b byte) {
	c.addBytes([]byte{b})
}

func (c *metadataCRC) addBytes(data []byte) {
	c.h = crc32.Update(c.h, crc32.IEEETable, data)
}

func (c *metadataCRC) sum() uint32 {
	return c.h
}
