package nodestore

import (
	"encoding/binary"

	"github.com/fenwick-automation/opcuacore/ids"
)

// murmur3_32 is the 32-bit MurmurHash3 finalizer-mixed hash over an
// arbitrary byte payload, starting from seed.
func murmur3_32(data []byte, seed uint32) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
		r1 = 15
		r2 = 13
		m  = 5
		n  = 0xe6546b64
	)

	h := seed
	nblocks := len(data) / 4
	for i := 0; i < nblocks; i++ {
		k := binary.LittleEndian.Uint32(data[i*4:])
		k *= c1
		k = rotl32(k, r1)
		k *= c2

		h ^= k
		h = rotl32(h, r2)
		h = h*m + n
	}

	tail := data[nblocks*4:]
	var k uint32
	switch len(tail) {
	case 3:
		k ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k ^= uint32(tail[0])
		k *= c1
		k = rotl32(k, r1)
		k *= c2
		h ^= k
	}

	h ^= uint32(len(data))
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

func rotl32(x uint32, r uint32) uint32 {
	return (x << r) | (x >> (32 - r))
}

// hashNodeId computes the key hash: Murmur3 over the variant payload
// (the NodeId's selected identifier field) plus the namespace index, so two
// NodeIds differing only by namespace never collide on payload alone.
func hashNodeId(id ids.NodeId) uint32 {
	var buf []byte
	switch id.Type {
	case ids.Numeric:
		buf = make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, id.Numeric)
	case ids.String:
		buf = []byte(id.Str)
	case ids.GUID:
		buf = make([]byte, 16)
		binary.LittleEndian.PutUint32(buf[0:4], id.Guid.Data1)
		binary.LittleEndian.PutUint16(buf[4:6], id.Guid.Data2)
		binary.LittleEndian.PutUint16(buf[6:8], id.Guid.Data3)
		copy(buf[8:16], id.Guid.Data4[:])
	case ids.Opaque:
		buf = []byte(id.Bytes)
	}
	h := murmur3_32(buf, 0)
	return murmur3_32([]byte{byte(id.Namespace), byte(id.Namespace >> 8)}, h)
}
