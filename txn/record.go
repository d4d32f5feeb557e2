package txn

import (
	"encoding/binary"
	"fmt"

	"github.com/bobotu/pmtx/pmem"
)

var codec = binary.LittleEndian

// A session's log region holds a 1 byte validity flag, 1 reserved byte, and
// then a run of records terminated by a zero tag:
//
//	'$' | offset (8) | size (4) | pre-image payload   pointer record
//	'#' | size (4) | payload                          value record
//
// Pointer records carry the content a persistent range held before its
// mutation; recovery restores them to undo an interrupted transaction.
// Value records describe logical values and exist for inspection only.
const (
	ptrRecordTag = byte('$')
	valRecordTag = byte('#')

	logHdrSize = 2

	ptrRecordOverhead = 1 + 8 + 4
	valRecordOverhead = 1 + 4
)

type logRecord struct {
	tag  byte
	addr pmem.Addr // pointer records only
	data []byte    // pre-image or payload, aliasing the source buffer
}

func putPtrRecord(buf []byte, addr pmem.Addr, pre []byte) int {
	buf[0] = ptrRecordTag
	codec.PutUint64(buf[1:], uint64(addr))
	codec.PutUint32(buf[9:], uint32(len(pre)))
	copy(buf[13:], pre)
	return ptrRecordOverhead + len(pre)
}

func putValRecord(buf []byte, val []byte) int {
	buf[0] = valRecordTag
	codec.PutUint32(buf[1:], uint32(len(val)))
	copy(buf[5:], val)
	return valRecordOverhead + len(val)
}

// parseRecords decodes records up to the zero terminator or the end of buf.
func parseRecords(buf []byte) ([]logRecord, error) {
	var recs []logRecord
	off := 0
	for off < len(buf) && buf[off] != 0 {
		switch buf[off] {
		case ptrRecordTag:
			if off+ptrRecordOverhead > len(buf) {
				return nil, fmt.Errorf("truncated pointer record at %d", off)
			}
			n := int(codec.Uint32(buf[off+9:]))
			if off+ptrRecordOverhead+n > len(buf) {
				return nil, fmt.Errorf("pointer record payload at %d overruns log", off)
			}
			recs = append(recs, logRecord{
				tag:  ptrRecordTag,
				addr: pmem.Addr(codec.Uint64(buf[off+1:])),
				data: buf[off+ptrRecordOverhead : off+ptrRecordOverhead+n],
			})
			off += ptrRecordOverhead + n
		case valRecordTag:
			if off+valRecordOverhead > len(buf) {
				return nil, fmt.Errorf("truncated value record at %d", off)
			}
			n := int(codec.Uint32(buf[off+1:]))
			if off+valRecordOverhead+n > len(buf) {
				return nil, fmt.Errorf("value record payload at %d overruns log", off)
			}
			recs = append(recs, logRecord{
				tag:  valRecordTag,
				data: buf[off+valRecordOverhead : off+valRecordOverhead+n],
			})
			off += valRecordOverhead + n
		default:
			return nil, fmt.Errorf("unknown record tag %#x at %d", buf[off], off)
		}
	}
	return recs, nil
}
