package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"reflect"
	"sort"
	"unsafe"
)

// Natural is a uint64 written in the compact general-natural encoding
// instead of as eight fixed octets.
type Natural uint64

// Cached type variables to avoid repeated reflect.TypeOf() calls
var (
	naturalType     = reflect.TypeOf(Natural(0))
	emptyStructType = reflect.TypeOf(struct{}{})

	emptyStructValue = reflect.ValueOf(struct{}{})
)

// Serialize accepts an arbitrary value or pointer and returns its []byte representation.
// Structs are written field by field; slices and strings carry a length prefix.
func Serialize(v any) []byte {
	val := reflect.ValueOf(v)

	if val.Kind() == reflect.Ptr && !val.IsNil() {
		val = val.Elem()
	}

	buf := bytes.NewBuffer(make([]byte, 0, 256))
	serializeValue(val, buf)

	return buf.Bytes()
}

func Deserialize(data []byte, target any) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("deserialize target must be a non-nil pointer")
	}

	buf := bytes.NewBuffer(data)
	if err := deserializeValue(val.Elem(), buf); err != nil {
		return err
	}

	if buf.Len() > 0 {
		return fmt.Errorf("extra %d bytes left after deserialization", buf.Len())
	}

	return nil
}

// serializeValue writes value v to buf
func serializeValue(v reflect.Value, buf *bytes.Buffer) {
	typ := v.Type()

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			buf.WriteByte(0)
			return
		}
		buf.WriteByte(1)
		serializeValue(v.Elem(), buf)
		return

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !typ.Field(i).IsExported() {
				continue
			}
			serializeValue(v.Field(i), buf)
		}
		return

	case reflect.Map:
		serializeMap(v, buf)
		return

	case reflect.Array, reflect.Slice:
		serializeSlice(v, buf)
		return

	case reflect.String:
		s := v.String()
		buf.Write(EncodeGeneralNatural(uint64(len(s))))
		buf.WriteString(s)
		return

	case reflect.Bool:
		if v.Bool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		l := int(typ.Size())
		buf.Write(EncodeLittleEndian(l, SignedToUnsigned(l, v.Int())))
		return

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if typ == naturalType {
			buf.Write(EncodeGeneralNatural(v.Uint()))
			return
		}
		buf.Write(EncodeLittleEndian(int(typ.Size()), v.Uint()))
		return

	default:
		panic(fmt.Sprintf("unsupported kind: %s", v.Kind()))
	}
}

// deserializeValue is the recursive helper that reads from buf into value v
func deserializeValue(v reflect.Value, buf *bytes.Buffer) error {
	vType := v.Type()
	vKind := v.Kind()

	switch vKind {
	case reflect.Ptr:
		b, err := buf.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read pointer tag: %w", err)
		}
		if b == 0 {
			return nil
		}
		if v.IsNil() {
			v.Set(reflect.New(vType.Elem()))
		}
		return deserializeValue(v.Elem(), buf)

	case reflect.Struct:
		numField := v.NumField()
		for i := 0; i < numField; i++ {
			if !vType.Field(i).IsExported() {
				continue
			}
			if err := deserializeValue(v.Field(i), buf); err != nil {
				return fmt.Errorf("failed to deserialize field %s: %w", vType.Field(i).Name, err)
			}
		}
		return nil

	case reflect.Map:
		return deserializeMap(v, buf)

	case reflect.Array, reflect.Slice:
		return deserializeSlice(v, buf)

	case reflect.String:
		length, err := readLength(buf, "string")
		if err != nil {
			return err
		}
		if length > buf.Len() {
			return fmt.Errorf("string length %d exceeds remaining %d bytes", length, buf.Len())
		}
		v.SetString(string(buf.Next(length)))
		return nil

	case reflect.Bool:
		b, err := buf.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read bool: %w", err)
		}
		if b > 1 {
			return fmt.Errorf("invalid bool octet 0x%02x", b)
		}
		v.SetBool(b == 1)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		l := int(vType.Size())
		var octets [8]byte
		if n, _ := buf.Read(octets[:l]); n != l {
			return fmt.Errorf("failed to read integer bytes: short read")
		}
		v.SetInt(UnsignedToSigned(l, DecodeLittleEndian(octets[:l])))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if vType == naturalType {
			x, n, ok := DecodeGeneralNatural(buf.Bytes())
			if !ok {
				return fmt.Errorf("failed to decode natural")
			}
			buf.Next(n)
			v.SetUint(x)
			return nil
		}
		l := int(vType.Size())
		var octets [8]byte
		if n, _ := buf.Read(octets[:l]); n != l {
			return fmt.Errorf("failed to read unsigned integer bytes: short read")
		}
		v.SetUint(DecodeLittleEndian(octets[:l]))
		return nil

	default:
		return fmt.Errorf("unsupported kind for deserialization: %s", vKind)
	}
}

// readLength consumes a general-natural length prefix.
func readLength(buf *bytes.Buffer, what string) (int, error) {
	length, n, ok := DecodeGeneralNatural(buf.Bytes())
	if !ok {
		return 0, fmt.Errorf("failed to decode %s length", what)
	}
	buf.Next(n)
	if length > uint64(1<<31) {
		return 0, fmt.Errorf("%s length %d too large", what, length)
	}
	return int(length), nil
}

// checkRemaining rejects a collection length that the rest of the input
// cannot hold. Every element of a non-empty type takes at least one byte.
func checkRemaining(length int, buf *bytes.Buffer, elem reflect.Type) error {
	if elem.Size() == 0 {
		return nil
	}
	if length > buf.Len() {
		return fmt.Errorf("length %d exceeds remaining %d bytes", length, buf.Len())
	}
	return nil
}

// serializeMap writes the length, then each key-value pair in key order.
// Maps with value type struct{} are sets and only their keys are written.
func serializeMap(v reflect.Value, buf *bytes.Buffer) {
	keys := v.MapKeys()

	var keyKind reflect.Kind
	if len(keys) > 0 {
		keyKind = keys[0].Kind()
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch keyKind {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return a.Int() < b.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			return a.Uint() < b.Uint()
		case reflect.String:
			return a.String() < b.String()
		default:
			return fmt.Sprintf("%v", a.Interface()) < fmt.Sprintf("%v", b.Interface())
		}
	})

	buf.Write(EncodeLength(v))

	isSet := v.Type().Elem() == emptyStructType
	for _, key := range keys {
		serializeValue(key, buf)
		if !isSet {
			serializeValue(v.MapIndex(key), buf)
		}
	}
}

// deserializeMap is a helper to deserialize maps
func deserializeMap(v reflect.Value, buf *bytes.Buffer) error {
	length, err := readLength(buf, "map")
	if err != nil {
		return err
	}
	if err := checkRemaining(length, buf, v.Type().Key()); err != nil {
		return err
	}

	if v.IsNil() {
		v.Set(reflect.MakeMap(v.Type()))
	}

	typ := v.Type()
	valueType := typ.Elem()
	keyType := typ.Key()
	isSet := valueType == emptyStructType

	for i := 0; i < length; i++ {
		key := reflect.New(keyType).Elem()
		if err := deserializeValue(key, buf); err != nil {
			return fmt.Errorf("failed to deserialize map key: %w", err)
		}
		if isSet {
			v.SetMapIndex(key, emptyStructValue)
			continue
		}
		value := reflect.New(valueType).Elem()
		if err := deserializeValue(value, buf); err != nil {
			return fmt.Errorf("failed to deserialize map value: %w", err)
		}
		v.SetMapIndex(key, value)
	}

	return nil
}

// serializeSlice handles array/slice serialization.
// For slices (but not arrays), it encodes the length first.
// Byte slices and arrays are written in bulk.
func serializeSlice(v reflect.Value, buf *bytes.Buffer) {
	vKind := v.Kind()
	vLen := v.Len()
	vType := v.Type()

	if vKind == reflect.Slice {
		buf.Write(EncodeLength(v))
	}

	if vType.Elem().Kind() == reflect.Uint8 {
		if vKind == reflect.Slice {
			buf.Write(v.Bytes())
		} else if v.CanAddr() {
			buf.Write(unsafe.Slice((*byte)(unsafe.Pointer(v.UnsafeAddr())), vLen))
		} else {
			slice := reflect.MakeSlice(reflect.SliceOf(vType.Elem()), vLen, vLen)
			reflect.Copy(slice, v)
			buf.Write(slice.Bytes())
		}
		return
	}

	for i := 0; i < vLen; i++ {
		serializeValue(v.Index(i), buf)
	}
}

// deserializeSlice is a helper to deserialize arrays and slices
func deserializeSlice(v reflect.Value, buf *bytes.Buffer) error {
	vKind := v.Kind()
	vType := v.Type()

	length := v.Len()
	if vKind == reflect.Slice {
		n, err := readLength(buf, "slice")
		if err != nil {
			return err
		}
		length = n
		if err := checkRemaining(length, buf, vType.Elem()); err != nil {
			return err
		}
		v.Set(reflect.MakeSlice(vType, length, length))
	}

	if vType.Elem().Kind() == reflect.Uint8 {
		if vKind == reflect.Slice {
			if n, _ := buf.Read(v.Bytes()); n != length {
				return fmt.Errorf("failed to read byte slice data: short read")
			}
			return nil
		}
		if v.CanAddr() {
			data := unsafe.Slice((*byte)(unsafe.Pointer(v.UnsafeAddr())), length)
			if n, _ := buf.Read(data); n != length {
				return fmt.Errorf("failed to read byte array data: short read")
			}
			return nil
		}
		for i := 0; i < length; i++ {
			b, err := buf.ReadByte()
			if err != nil {
				return fmt.Errorf("failed to read byte data at index %d: %w", i, err)
			}
			v.Index(i).SetUint(uint64(b))
		}
		return nil
	}

	for i := 0; i < length; i++ {
		if err := deserializeValue(v.Index(i), buf); err != nil {
			return fmt.Errorf("failed to deserialize element %d: %w", i, err)
		}
	}

	return nil
}

// EncodeLength encodes the length (v.Len()) of a collection.
func EncodeLength(v reflect.Value) []byte {
	return EncodeGeneralNatural(uint64(v.Len()))
}

// EncodeGeneralNatural encodes a uint64 using the compact encoding format.
// It follows three cases:
//  1. x == 0: output a single 0x00 octet.
//  2. x fits in a computed header + remainder format.
//  3. Otherwise, output 0xFF followed by x as 8 little-endian octets.
func EncodeGeneralNatural(x uint64) []byte {
	if x == 0 {
		return []byte{0x00}
	}

	// l = floor(log2(x)/7)
	l := uint((bits.Len64(x) - 1) / 7)

	if l < 8 {
		// Header: 2^8 - 2^(8-l) + floor(x / 2^(8l))
		header := (1 << 8) - (1 << (8 - l)) + (x >> (8 * l))
		result := []byte{byte(header)}
		if l > 0 {
			remainder := x & ((uint64(1) << (8 * l)) - 1)
			result = append(result, EncodeLittleEndian(int(l), remainder)...)
		}
		return result
	}

	return []byte{0xFF,
		byte(x), byte(x >> 8), byte(x >> 16), byte(x >> 24),
		byte(x >> 32), byte(x >> 40), byte(x >> 48), byte(x >> 56)}
}

func EncodeLittleEndian(octets int, x uint64) []byte {
	switch octets {
	case 1:
		return []byte{byte(x)}
	case 2:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(x))
		return buf[:]
	case 4:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(x))
		return buf[:]
	case 8:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], x)
		return buf[:]
	default:
		result := make([]byte, octets)
		for i := 0; i < octets; i++ {
			result[i] = byte(x)
			x >>= 8
		}
		return result
	}
}

func countLeadingOnes(b byte) int {
	return bits.LeadingZeros8(^b)
}

func DecodeGeneralNatural(p []byte) (x uint64, n int, ok bool) {
	if len(p) == 0 {
		return 0, 0, false
	}

	header := p[0]
	if header == 0x00 {
		return 0, 1, true
	}
	if header == 0xFF {
		if len(p) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(p[1:9]), 9, true
	}

	// l = number of extra octets, given by the leading ones of the header.
	l := countLeadingOnes(header)
	base := byte(int(1<<8) - (1 << (8 - l)))
	high := uint64(header - base)
	if len(p) < 1+l {
		return 0, 0, false
	}
	remainder := DecodeLittleEndian(p[1 : 1+l])
	return (high << (8 * l)) | remainder, 1 + l, true
}

func DecodeLittleEndian(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		var x uint64
		for i, v := range b {
			x |= uint64(v) << (8 * i)
		}
		return x
	}
}

// UnsignedToSigned converts an unsigned integer x (assumed to be in [0, 2^(8*n)))
// into its two's complement signed representation as an int64.
func UnsignedToSigned(octets int, x uint64) int64 {
	if octets > 8 {
		panic(fmt.Sprintf("Unsupported octet width: %d (max 8 allowed)", octets))
	}
	if octets == 8 {
		return int64(x)
	}

	totalBits := 8 * octets
	signBit := uint64(1) << uint(totalBits-1)
	if x < signBit {
		return int64(x)
	}
	return int64(x) - int64(uint64(1)<<uint(totalBits))
}

// SignedToUnsigned converts a signed integer a, assumed to be in the range
// [ -2^(8*l-1), 2^(8*l-1) - 1 ], into its unsigned natural representation
// in [0, 2^(8*l)).
func SignedToUnsigned(octets int, a int64) uint64 {
	if octets == 8 {
		return uint64(a)
	}
	modVal := uint64(1) << uint(8*octets)
	return (modVal + uint64(a)) % modVal
}
