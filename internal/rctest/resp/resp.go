// Package resp implements just enough of the Redis Serialization
// Protocol (RESP) to drive rctest.Server: decoding inbound requests (always
// an array of bulk strings) and encoding whatever reply a test handler
// returns. See http://redis.io/topics/protocol.
//
// Adapted from mna-redisc/redistest/resp, trimmed to the value shapes
// this module's tests actually produce (no SimpleString/Pong/OK sentinel
// types, since no test here simulates those replies directly).
package resp

import (
	"errors"
	"io"
	"strconv"
)

// ErrNotAnArray is returned by DecodeRequest when the decoded value
// isn't an array.
var ErrNotAnArray = errors.New("resp: expected an array")

// ErrInvalidRequest is returned by DecodeRequest when the array isn't
// made entirely of bulk strings, or is empty.
var ErrInvalidRequest = errors.New("resp: request must be a non-empty array of bulk strings")

// BytesReader is what the decoder needs from its input.
type BytesReader interface {
	io.Reader
	io.ByteReader
	ReadBytes(byte) ([]byte, error)
}

// Array is a RESP array reply.
type Array []interface{}

// Error is a RESP error reply; encoded with a leading '-'.
type Error string

// DecodeRequest reads one client request (an array of bulk strings) off r.
func DecodeRequest(r BytesReader) ([]string, error) {
	val, err := Decode(r)
	if err != nil {
		return nil, err
	}
	ar, ok := val.(Array)
	if !ok {
		return nil, ErrNotAnArray
	}
	if len(ar) == 0 {
		return nil, ErrInvalidRequest
	}
	strs := make([]string, len(ar))
	for i, v := range ar {
		s, ok := v.(string)
		if !ok {
			return nil, ErrInvalidRequest
		}
		strs[i] = s
	}
	return strs, nil
}

// Decode reads one RESP value off r.
func Decode(r BytesReader) (interface{}, error) {
	ch, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch ch {
	case '+':
		return decodeLine(r)
	case '-':
		s, err := decodeLine(r)
		if err != nil {
			return nil, err
		}
		return Error(s.(string)), nil
	case ':':
		return decodeInteger(r)
	case '$':
		return decodeBulkString(r)
	case '*':
		return decodeArray(r)
	default:
		return nil, errors.New("resp: invalid prefix")
	}
}

func decodeArray(r BytesReader) (interface{}, error) {
	cnt, err := decodeInteger(r)
	if err != nil {
		return nil, err
	}
	n := cnt.(int64)
	switch {
	case n == -1:
		return nil, nil
	case n < -1:
		return nil, errors.New("resp: invalid array length")
	}
	ar := make(Array, n)
	for i := range ar {
		v, err := Decode(r)
		if err != nil {
			return nil, err
		}
		ar[i] = v
	}
	return ar, nil
}

func decodeBulkString(r BytesReader) (interface{}, error) {
	cnt, err := decodeInteger(r)
	if err != nil {
		return nil, err
	}
	n := cnt.(int64)
	if n == -1 {
		return nil, nil
	}
	if n < -1 {
		return nil, errors.New("resp: invalid bulk string length")
	}
	need := int(n) + 2
	buf := make([]byte, need)
	got := 0
	for got < need {
		nb, err := r.Read(buf[got:])
		if err != nil {
			return nil, err
		}
		got += nb
	}
	return string(buf[:n]), nil
}

func decodeInteger(r BytesReader) (interface{}, error) {
	var n int64
	var sign int64 = 1
	var digits int
	for {
		ch, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch {
		case ch == '\r':
			if _, err := r.ReadByte(); err != nil {
				return nil, err
			}
			return sign * n, nil
		case ch == '-' && digits == 0:
			sign = -1
		case ch >= '0' && ch <= '9':
			n = n*10 + int64(ch-'0')
			digits++
		default:
			return nil, errors.New("resp: invalid integer")
		}
	}
}

func decodeLine(r BytesReader) (interface{}, error) {
	b, err := r.ReadBytes('\r')
	if err != nil {
		return nil, err
	}
	if _, err := r.ReadByte(); err != nil {
		return nil, err
	}
	return string(b[:len(b)-1]), nil
}

// Encode writes v to w in RESP wire format. Supported Go shapes: nil
// (nil bulk string), string ([]byte treated the same, bulk string),
// int/int64 (integer), error/Error (error reply), []interface{}/Array
// (array, recursively encoded).
func Encode(w io.Writer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		return writeRaw(w, "$-1\r\n")
	case string:
		return encodeBulkString(w, val)
	case []byte:
		return encodeBulkString(w, string(val))
	case int:
		return writeRaw(w, ":"+strconv.Itoa(val)+"\r\n")
	case int64:
		return writeRaw(w, ":"+strconv.FormatInt(val, 10)+"\r\n")
	case Error:
		return writeRaw(w, "-"+string(val)+"\r\n")
	case error:
		return writeRaw(w, "-"+val.Error()+"\r\n")
	case []interface{}:
		return encodeArray(w, val)
	case Array:
		return encodeArray(w, val)
	default:
		return errors.New("resp: unsupported value type")
	}
}

func encodeBulkString(w io.Writer, s string) error {
	return writeRaw(w, "$"+strconv.Itoa(len(s))+"\r\n"+s+"\r\n")
}

func encodeArray(w io.Writer, ar []interface{}) error {
	if ar == nil {
		return writeRaw(w, "*-1\r\n")
	}
	if err := writeRaw(w, "*"+strconv.Itoa(len(ar))+"\r\n"); err != nil {
		return err
	}
	for _, v := range ar {
		if err := Encode(w, v); err != nil {
			return err
		}
	}
	return nil
}

func writeRaw(w io.Writer, s string) error {
	_, err := w.Write([]byte(s))
	return err
}
