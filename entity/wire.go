package entity

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// HashSize is the fixed width of a content hash on the wire.
const HashSize = 32

var errShortBuffer = errors.New("entity: buffer too short for declared count")

// EncodeHashList canonically frames a REQ_BLOCK payload: a little-endian
// u32 count followed by count 32-byte hashes.
func EncodeHashList(hashes [][]byte) []byte {
	buf := make([]byte, 4, 4+len(hashes)*HashSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(hashes)))
	for _, h := range hashes {
		var padded [HashSize]byte
		copy(padded[:], h)
		buf = append(buf, padded[:]...)
	}
	return buf
}

// DecodeHashList is the inverse of EncodeHashList.
func DecodeHashList(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, errShortBuffer
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(count)*HashSize {
		return nil, errShortBuffer
	}
	hashes := make([][]byte, count)
	for i := uint32(0); i < count; i++ {
		h := make([]byte, HashSize)
		copy(h, data[i*HashSize:(i+1)*HashSize])
		hashes[i] = h
	}
	return hashes, nil
}

// EncodeBlockList canonically frames a RESP_BLOCK payload: a little-endian
// u32 count, followed by count length-prefixed (u32 LE) encoded blocks.
// Unknown blocks are skipped by the responder before this is called.
func EncodeBlockList(blocks []*Block) ([]byte, error) {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(blocks)))
	buf.Write(countBuf[:])
	for _, blk := range blocks {
		encoded, err := Encode(blk)
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
		buf.Write(lenBuf[:])
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

// DecodeBlockList is the inverse of EncodeBlockList. Each returned block
// is the raw decoded shell: callers must still verify its hash and QC
// before treating it as canonical.
func DecodeBlockList(data []byte) ([]*Block, error) {
	if len(data) < 4 {
		return nil, errShortBuffer
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	blocks := make([]*Block, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, errShortBuffer
		}
		blkLen := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(len(data)) < uint64(blkLen) {
			return nil, errShortBuffer
		}
		var blk Block
		if err := Decode(data[:blkLen], &blk); err != nil {
			return nil, err
		}
		blocks = append(blocks, &blk)
		data = data[blkLen:]
	}
	return blocks, nil
}
