package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

func encodeDeltaVarint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	out := make([]byte, 0, 10)
	for v > 0 {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large")
		}
	}
}

// encodeOfsDistance encodes a backward distance for OFS_DELTA entries.
func encodeOfsDistance(distance uint64) []byte {
	if distance == 0 {
		return []byte{0}
	}
	b := []byte{byte(distance & 0x7f)}
	for distance >>= 7; distance > 0; distance >>= 7 {
		distance--
		b = append([]byte{byte((distance & 0x7f) | 0x80)}, b...)
	}
	return b
}

func decodeOfsDistance(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("%w: ofs-delta distance truncated", ErrCorrupt)
	}
	i := 0
	c := data[i]
	i++
	offset := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("%w: ofs-delta distance truncated", ErrCorrupt)
		}
		c = data[i]
		i++
		offset = ((offset + 1) << 7) | uint64(c&0x7f)
	}
	return offset, i, nil
}

// ApplyDelta replays a copy/insert instruction stream against base and
// returns the reconstructed target bytes.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read base size: %w", err)
	}
	if int(baseSize) != len(base) {
		return nil, fmt.Errorf("delta base size mismatch: got %d want %d", baseSize, len(base))
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read result size: %w", err)
	}

	out := make([]byte, 0, resultSize)
	for dr.Len() > 0 {
		cmd, err := dr.ReadByte()
		if err != nil {
			return nil, err
		}
		if cmd&0x80 != 0 {
			var offset, size int64
			for bit, shift := 0, 0; bit < 4; bit, shift = bit+1, shift+8 {
				if cmd&(1<<bit) != 0 {
					b, err := dr.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("delta copy offset byte %d: %w", bit, err)
					}
					offset |= int64(b) << shift
				}
			}
			for bit, shift := 4, 0; bit < 7; bit, shift = bit+1, shift+8 {
				if cmd&(1<<bit) != 0 {
					b, err := dr.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("delta copy size byte %d: %w", bit-4, err)
					}
					size |= int64(b) << shift
				}
			}
			if size == 0 {
				size = 0x10000
			}
			if offset < 0 || size < 0 || offset+size > int64(len(base)) {
				return nil, fmt.Errorf("delta copy out of bounds")
			}
			out = append(out, base[offset:offset+size]...)
			continue
		}

		if cmd == 0 {
			return nil, fmt.Errorf("invalid delta command: 0")
		}
		insert := make([]byte, int(cmd))
		if _, err := io.ReadFull(dr, insert); err != nil {
			return nil, fmt.Errorf("delta insert: %w", err)
		}
		out = append(out, insert...)
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: got %d expected %d", len(out), resultSize)
	}
	return out, nil
}

const deltaBlockSize = 16

// BuildDelta produces a copy/insert delta transforming base into target.
// It indexes base in fixed-size blocks and greedily extends matches in both
// directions. The result is always a valid delta stream; callers decide
// whether it is small enough to be worth emitting.
func BuildDelta(base, target []byte) []byte {
	var out bytes.Buffer
	out.Write(encodeDeltaVarint(uint64(len(base))))
	out.Write(encodeDeltaVarint(uint64(len(target))))

	index := make(map[uint64][]int)
	for i := 0; i+deltaBlockSize <= len(base); i += deltaBlockSize {
		index[blockKey(base[i:i+deltaBlockSize])] = append(index[blockKey(base[i:i+deltaBlockSize])], i)
	}

	var pending []byte
	pos := 0
	for pos < len(target) {
		matchOff, matchLen := findMatch(base, target, pos, index)
		if matchLen < deltaBlockSize {
			pending = append(pending, target[pos])
			pos++
			continue
		}
		flushInserts(&out, &pending)
		writeCopy(&out, matchOff, matchLen)
		pos += matchLen
	}
	flushInserts(&out, &pending)

	return out.Bytes()
}

func blockKey(b []byte) uint64 {
	// FNV-1a over one block; collisions are resolved by byte comparison.
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func findMatch(base, target []byte, pos int, index map[uint64][]int) (int, int) {
	if pos+deltaBlockSize > len(target) {
		return 0, 0
	}
	candidates := index[blockKey(target[pos:pos+deltaBlockSize])]
	bestOff, bestLen := 0, 0
	for _, off := range candidates {
		if !bytes.Equal(base[off:off+deltaBlockSize], target[pos:pos+deltaBlockSize]) {
			continue
		}
		length := deltaBlockSize
		for off+length < len(base) && pos+length < len(target) &&
			base[off+length] == target[pos+length] {
			length++
		}
		if length > bestLen {
			bestOff, bestLen = off, length
		}
	}
	return bestOff, bestLen
}

func flushInserts(out *bytes.Buffer, pending *[]byte) {
	data := *pending
	for len(data) > 0 {
		chunk := len(data)
		if chunk > 127 {
			chunk = 127
		}
		out.WriteByte(byte(chunk))
		out.Write(data[:chunk])
		data = data[chunk:]
	}
	*pending = (*pending)[:0]
}

// writeCopy emits copy commands for base[off:off+length], splitting at the
// 64KiB per-command ceiling.
func writeCopy(out *bytes.Buffer, off, length int) {
	for length > 0 {
		chunk := length
		if chunk > 0x10000 {
			chunk = 0x10000
		}

		var cmd byte = 0x80
		var args []byte
		var scratch [4]byte
		binary.LittleEndian.PutUint32(scratch[:], uint32(off))
		for bit := 0; bit < 4; bit++ {
			if scratch[bit] != 0 {
				cmd |= 1 << bit
				args = append(args, scratch[bit])
			}
		}
		sizeVal := chunk
		if sizeVal == 0x10000 {
			sizeVal = 0 // encoded as zero, interpreted as 64KiB
		}
		binary.LittleEndian.PutUint32(scratch[:], uint32(sizeVal))
		for bit := 0; bit < 3; bit++ {
			if scratch[bit] != 0 {
				cmd |= 1 << (4 + bit)
				args = append(args, scratch[bit])
			}
		}

		out.WriteByte(cmd)
		out.Write(args)

		off += chunk
		length -= chunk
	}
}
