package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"loxcore/internal/value"
)

// Serialize writes chunk to w in the stream format:
//  1. int32 code length
//  2. that many bytes of code
//  3. that many int32 line numbers
//  4. constants, each: int32 payload-size, 1 type byte, payload
//
// Functions nest a recursive serialized Chunk as their payload. The
// stream carries no constant-count or catch-table terminator; it simply
// ends at EOF.
func Serialize(w io.Writer, chunk *value.Chunk) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(chunk.Code))); err != nil {
		return err
	}
	if _, err := w.Write(chunk.Code); err != nil {
		return err
	}
	for _, line := range chunk.Lines {
		if err := binary.Write(w, binary.LittleEndian, line); err != nil {
			return err
		}
	}
	for _, c := range chunk.Constants {
		if err := serializeConstant(w, c); err != nil {
			return err
		}
	}
	return nil
}

func serializeConstant(w io.Writer, v value.Value) error {
	var payload bytes.Buffer
	var typeByte byte

	switch {
	case v.IsNil():
		typeByte = 'n'
	case v.IsBool() && v.Truthy():
		typeByte = 't'
	case v.IsBool():
		typeByte = 'f'
	case v.IsNumber():
		typeByte = 'd'
		bits := math.Float64bits(v.Num)
		if err := binary.Write(&payload, binary.LittleEndian, bits); err != nil {
			return err
		}
	case v.IsObject() && v.Obj.Kind == value.KindString:
		typeByte = 's'
		payload.WriteString(v.Obj.Str)
		payload.WriteByte(0)
	case v.IsObject() && v.Obj.Kind == value.KindFunction:
		typeByte = 'c'
		fn := v.Obj.Fn
		if err := binary.Write(&payload, binary.LittleEndian, int32(fn.Arity)); err != nil {
			return err
		}
		payload.WriteString(fn.Name)
		payload.WriteByte(0)
		var nested bytes.Buffer
		if err := Serialize(&nested, fn.Chunk); err != nil {
			return err
		}
		payload.Write(nested.Bytes())
	default:
		return fmt.Errorf("bytecode: constant kind %d is not serializable", v.Kind)
	}

	if err := binary.Write(w, binary.LittleEndian, int32(payload.Len())); err != nil {
		return err
	}
	if _, err := w.Write([]byte{typeByte}); err != nil {
		return err
	}
	_, err := w.Write(payload.Bytes())
	return err
}

// Deserialize reads a Chunk from r in the format written by Serialize.
// The stream has no explicit constant count, so constants are read until
// a clean io.EOF.
func Deserialize(r io.Reader) (*value.Chunk, error) {
	var codeLen int32
	if err := binary.Read(r, binary.LittleEndian, &codeLen); err != nil {
		return nil, err
	}
	chunk := &value.Chunk{Code: make([]byte, codeLen)}
	if _, err := io.ReadFull(r, chunk.Code); err != nil {
		return nil, err
	}
	chunk.Lines = make([]int32, codeLen)
	for i := range chunk.Lines {
		if err := binary.Read(r, binary.LittleEndian, &chunk.Lines[i]); err != nil {
			return nil, err
		}
	}
	for {
		c, err := deserializeConstant(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunk.Constants = append(chunk.Constants, c)
	}
	return chunk, nil
}

func deserializeConstant(r io.Reader) (value.Value, error) {
	var size int32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return value.Nil, err
	}
	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		return value.Nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return value.Nil, err
	}
	pr := bytes.NewReader(payload)

	switch typeByte[0] {
	case 'n':
		return value.Nil, nil
	case 't':
		return value.True, nil
	case 'f':
		return value.False, nil
	case 'd':
		var bits uint64
		if err := binary.Read(pr, binary.LittleEndian, &bits); err != nil {
			return value.Nil, err
		}
		return value.Number(math.Float64frombits(bits)), nil
	case 's':
		s := payload[:len(payload)-1] // drop the NUL terminator
		return value.FromObject(&value.Object{Kind: value.KindString, Str: string(s)}), nil
	case 'c':
		var arity int32
		if err := binary.Read(pr, binary.LittleEndian, &arity); err != nil {
			return value.Nil, err
		}
		name, err := readCString(pr)
		if err != nil {
			return value.Nil, err
		}
		nested, err := Deserialize(pr)
		if err != nil {
			return value.Nil, err
		}
		fn := &value.FunctionTemplate{Name: name, Arity: int(arity), Chunk: nested}
		return value.FromObject(&value.Object{Kind: value.KindFunction, Fn: fn}), nil
	default:
		return value.Nil, fmt.Errorf("bytecode: unknown constant type byte %q", typeByte[0])
	}
}

func readCString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}
