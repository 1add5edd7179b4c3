package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	headerSize = 8         // [len:4][crc:4]
	bodyFixed  = 8 + 8 + 1 // [id:8][term:8][type:1]

	// typeCompactMarker records the id and term of the last compacted entry.
	// It only ever appears as the first record of a file.
	typeCompactMarker uint8 = 0xff

	maxRecordSize = 64 * 1024 * 1024
)

// encodeRecord frames an entry as [len:4][crc:4][id:8][term:8][type:1][payload].
func encodeRecord(e Entry) []byte {
	bodyLen := bodyFixed + len(e.Payload)
	buf := make([]byte, headerSize+bodyLen)

	body := buf[headerSize:]
	binary.LittleEndian.PutUint64(body[0:8], uint64(e.ID))
	binary.LittleEndian.PutUint64(body[8:16], uint64(e.Term))
	body[16] = e.Type
	copy(body[bodyFixed:], e.Payload)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(body, crcTable))
	return buf
}

// decodeRecord reads one record. It returns io.EOF on a clean end of input,
// io.ErrUnexpectedEOF on a torn record and ErrCorrupted on a bad checksum.
func decodeRecord(r io.Reader) (Entry, int, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Entry{}, 0, err
	}
	bodyLen := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if bodyLen < bodyFixed || bodyLen > maxRecordSize {
		return Entry{}, 0, ErrCorrupted
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, 0, err
	}
	if crc32.Checksum(body, crcTable) != sum {
		return Entry{}, 0, ErrCorrupted
	}

	e := Entry{
		ID:   int64(binary.LittleEndian.Uint64(body[0:8])),
		Term: int64(binary.LittleEndian.Uint64(body[8:16])),
		Type: body[16],
	}
	if len(body) > bodyFixed {
		e.Payload = body[bodyFixed:]
	}
	return e, headerSize + int(bodyLen), nil
}
