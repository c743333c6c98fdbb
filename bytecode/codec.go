package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/reportkit/reportkit"
	"github.com/reportkit/reportkit/kit/errors"
)

// Artifact wire layout: a fixed header followed by a snappy-compressed body.
//
//	magic   [4]byte "RKAF"
//	version byte
//	format  byte
//	sum     uint64 BE, xxhash64 of the compressed body
//	body    snappy block
const (
	codecVersion = 1

	// FormatExpr identifies the restricted expression bytecode language.
	// Artifacts in any other format are rejected at decode time.
	FormatExpr = 1

	headerLen = 4 + 1 + 1 + 8

	// maxCount bounds every length field read from the wire so that a
	// corrupt artifact cannot trigger huge allocations.
	maxCount = 1 << 20
)

var magic = [4]byte{'R', 'K', 'A', 'F'}

const (
	constNull byte = iota
	constBool
	constInt
	constFloat
	constString
)

// Encode serializes a program into artifact bytes. The program must be
// structurally valid.
func Encode(p *Program) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("encoding unit %q", p.Name),
			Op:   "bytecode.Encode",
			Err:  err,
		}
	}

	var body bytes.Buffer
	writeString(&body, p.Name)
	writeStrings(&body, p.Params)
	writeStrings(&body, p.Symbols)
	writeStrings(&body, p.Units)
	writeUvarint(&body, uint64(p.Globals))
	writeUvarint(&body, uint64(len(p.Consts)))
	for _, c := range p.Consts {
		writeConst(&body, c)
	}
	writeInstrs(&body, p.Init)
	writeInstrs(&body, p.Code)

	compressed := snappy.Encode(nil, body.Bytes())

	out := make([]byte, 0, headerLen+len(compressed))
	out = append(out, magic[:]...)
	out = append(out, codecVersion, FormatExpr)
	out = binary.BigEndian.AppendUint64(out, xxhash.Sum64(compressed))
	out = append(out, compressed...)
	return out, nil
}

// Decode parses artifact bytes back into a validated program. Any header,
// checksum or body violation fails with EMalformedArtifact.
func Decode(data []byte) (*Program, error) {
	if len(data) < headerLen {
		return nil, malformed("artifact truncated", nil)
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, malformed("bad artifact magic", nil)
	}
	if data[4] != codecVersion {
		return nil, malformed(fmt.Sprintf("unsupported artifact version %d", data[4]), nil)
	}
	if data[5] != FormatExpr {
		return nil, malformed(fmt.Sprintf("expected expression bytecode, got format %d", data[5]), nil)
	}
	sum := binary.BigEndian.Uint64(data[6:14])
	compressed := data[headerLen:]
	if xxhash.Sum64(compressed) != sum {
		return nil, malformed("artifact checksum mismatch", nil)
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, malformed("decompressing artifact body", err)
	}

	r := bytes.NewReader(body)
	p := new(Program)
	if p.Name, err = readString(r); err != nil {
		return nil, malformed("reading unit name", err)
	}
	if p.Params, err = readStrings(r); err != nil {
		return nil, malformed("reading params", err)
	}
	if p.Symbols, err = readStrings(r); err != nil {
		return nil, malformed("reading symbols", err)
	}
	if p.Units, err = readStrings(r); err != nil {
		return nil, malformed("reading unit refs", err)
	}
	globals, err := readCount(r)
	if err != nil {
		return nil, malformed("reading global count", err)
	}
	p.Globals = globals
	n, err := readCount(r)
	if err != nil {
		return nil, malformed("reading const count", err)
	}
	p.Consts = make([]reportkit.Value, 0, n)
	for i := 0; i < n; i++ {
		c, err := readConst(r)
		if err != nil {
			return nil, malformed(fmt.Sprintf("reading const %d", i), err)
		}
		p.Consts = append(p.Consts, c)
	}
	if p.Init, err = readInstrs(r); err != nil {
		return nil, malformed("reading init section", err)
	}
	if p.Code, err = readInstrs(r); err != nil {
		return nil, malformed("reading code section", err)
	}
	if r.Len() != 0 {
		return nil, malformed("trailing bytes after code section", nil)
	}
	if err := p.Validate(); err != nil {
		return nil, malformed(fmt.Sprintf("invalid unit %q", p.Name), err)
	}
	return p, nil
}

// Checksum returns the xxhash64 digest embedded in an encoded artifact's
// header position, computed over its compressed body.
func Checksum(data []byte) (uint64, bool) {
	if len(data) < headerLen {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[6:14]), true
}

func malformed(msg string, cause error) error {
	return &errors.Error{
		Code: errors.EMalformedArtifact,
		Msg:  msg,
		Op:   "bytecode.Decode",
		Err:  cause,
	}
}

func writeUvarint(w *bytes.Buffer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	w.Write(buf[:n])
}

func writeString(w *bytes.Buffer, s string) {
	writeUvarint(w, uint64(len(s)))
	w.WriteString(s)
}

func writeStrings(w *bytes.Buffer, ss []string) {
	writeUvarint(w, uint64(len(ss)))
	for _, s := range ss {
		writeString(w, s)
	}
}

func writeInstrs(w *bytes.Buffer, code []Instr) {
	writeUvarint(w, uint64(len(code)))
	for _, in := range code {
		writeUvarint(w, uint64(in))
	}
}

func writeConst(w *bytes.Buffer, v reportkit.Value) {
	switch v.Kind() {
	case reportkit.KindBool:
		w.WriteByte(constBool)
		if v.AsBool() {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
	case reportkit.KindInt:
		w.WriteByte(constInt)
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutVarint(buf[:], v.AsInt())
		w.Write(buf[:n])
	case reportkit.KindFloat:
		w.WriteByte(constFloat)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.AsFloat()))
		w.Write(buf[:])
	case reportkit.KindString:
		w.WriteByte(constString)
		writeString(w, v.AsStr())
	default:
		w.WriteByte(constNull)
	}
}

func readCount(r *bytes.Reader) (int, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	if v > maxCount {
		return 0, fmt.Errorf("count %d exceeds limit", v)
	}
	return int(v), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readCount(r)
	if err != nil {
		return "", err
	}
	if n > r.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining input", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readStrings(r *bytes.Reader) ([]string, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func readInstrs(r *bytes.Reader) ([]Instr, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Instr, 0, n)
	for i := 0; i < n; i++ {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		if v > math.MaxUint32 {
			return nil, fmt.Errorf("instruction %d out of range", v)
		}
		out = append(out, Instr(v))
	}
	return out, nil
}

func readConst(r *bytes.Reader) (reportkit.Value, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return reportkit.Null(), err
	}
	switch tag {
	case constNull:
		return reportkit.Null(), nil
	case constBool:
		b, err := r.ReadByte()
		if err != nil {
			return reportkit.Null(), err
		}
		return reportkit.Bool(b != 0), nil
	case constInt:
		v, err := binary.ReadVarint(r)
		if err != nil {
			return reportkit.Null(), err
		}
		return reportkit.Int(v), nil
	case constFloat:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return reportkit.Null(), err
		}
		return reportkit.Float(math.Float64frombits(binary.BigEndian.Uint64(buf[:]))), nil
	case constString:
		s, err := readString(r)
		if err != nil {
			return reportkit.Null(), err
		}
		return reportkit.Str(s), nil
	default:
		return reportkit.Null(), fmt.Errorf("unknown const tag %d", tag)
	}
}
