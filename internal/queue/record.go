package queue

import (
	"encoding/binary"
	"hash/crc32"
)

// Envelope framing: headerLen (4B BE) | header | body | crc32c(header|body).
// The header is empty for live messages and carries the dead-letter reason
// for DLQ entries. The checksum rejects torn or corrupted records instead of
// feeding them to consumers.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeEnvelope(header, body []byte) []byte {
	out := make([]byte, 0, 4+len(header)+len(body)+4)
	var hb [4]byte
	binary.BigEndian.PutUint32(hb[:], uint32(len(header)))
	out = append(out, hb[:]...)
	out = append(out, header...)
	out = append(out, body...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, body)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	return append(out, cb[:]...)
}

type envelope struct {
	Header []byte
	Body   []byte
}

func decodeEnvelope(b []byte) (envelope, bool) {
	if len(b) < 8 {
		return envelope{}, false
	}
	hlen := binary.BigEndian.Uint32(b[:4])
	if int(4+hlen+4) > len(b) {
		return envelope{}, false
	}
	headerEnd := 4 + int(hlen)
	header := b[4:headerEnd]
	body := b[headerEnd : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, body)
	if crc != expect {
		return envelope{}, false
	}
	return envelope{
		Header: append([]byte(nil), header...),
		Body:   append([]byte(nil), body...),
	}, true
}
