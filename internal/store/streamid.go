package store

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StreamID identifies a stream entry. IDs order lexicographically by
// (Ms, Seq) and strictly increase within a stream.
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// MaxStreamID is the upper bound used for the "+" range end.
var MaxStreamID = StreamID{Ms: math.MaxUint64, Seq: math.MaxUint64}

func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1 ordering id against other.
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

func (id StreamID) After(other StreamID) bool { return id.Compare(other) > 0 }

// ParseStreamID parses a fully explicit "ms-seq" id.
func ParseStreamID(s string) (StreamID, error) {
	ms, seq, ok := splitID(s)
	if !ok {
		return StreamID{}, fmt.Errorf("invalid stream ID %q", s)
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

// XAddID is an id argument to XADD before resolution: "*", "ms-*" or
// "ms-seq".
type XAddID struct {
	Ms      uint64
	Seq     uint64
	AutoMs  bool
	AutoSeq bool
}

var errBadID = errors.New("invalid stream ID format")

// ParseXAddID parses the id argument of XADD.
func ParseXAddID(s string) (XAddID, error) {
	if s == "*" {
		return XAddID{AutoMs: true, AutoSeq: true}, nil
	}
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		ms, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return XAddID{}, errBadID
		}
		return XAddID{Ms: ms, AutoSeq: true}, nil
	}
	ms, err := strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return XAddID{}, errBadID
	}
	if s[dash+1:] == "*" {
		return XAddID{Ms: ms, AutoSeq: true}, nil
	}
	seq, err := strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return XAddID{}, errBadID
	}
	return XAddID{Ms: ms, Seq: seq}, nil
}

// Resolve computes the concrete id given the last id in the stream. The
// auto-sequence rule: same ms as the last entry continues its sequence,
// a fresh ms starts at 0. An empty stream behaves as if its last id were
// 0-0, which makes "0-*" resolve to 0-1 and keeps 0-0 unreachable.
func (x XAddID) Resolve(last StreamID, nowMs uint64) StreamID {
	ms := x.Ms
	if x.AutoMs {
		ms = nowMs
	}
	if !x.AutoSeq {
		return StreamID{Ms: ms, Seq: x.Seq}
	}
	if ms == last.Ms {
		return StreamID{Ms: ms, Seq: last.Seq + 1}
	}
	return StreamID{Ms: ms}
}

// ParseRangeStart parses the lo bound of XRANGE: "-", "ms" or "ms-seq".
func ParseRangeStart(s string) (StreamID, error) {
	if s == "-" {
		return StreamID{}, nil
	}
	return parseRangeBound(s, 0)
}

// ParseRangeEnd parses the hi bound of XRANGE: "+", "ms" or "ms-seq".
// A bare ms means ms with the maximum sequence.
func ParseRangeEnd(s string) (StreamID, error) {
	if s == "+" {
		return MaxStreamID, nil
	}
	return parseRangeBound(s, math.MaxUint64)
}

func parseRangeBound(s string, defaultSeq uint64) (StreamID, error) {
	if !strings.ContainsRune(s, '-') {
		ms, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("invalid stream ID %q", s)
		}
		return StreamID{Ms: ms, Seq: defaultSeq}, nil
	}
	return ParseStreamID(s)
}

func splitID(s string) (ms, seq uint64, ok bool) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return 0, 0, false
	}
	ms, err := strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}
