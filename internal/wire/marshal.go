package wire

import "encoding/binary"

// MarshalError is a string-backed error type, matching the style of
// manual wire-format error reporting used throughout this package.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const ErrInsufficientData MarshalError = "insufficient data for unmarshaling"

// MarshalRequest manually marshals a RequestRecord into its wire bytes.
func MarshalRequest(r *RequestRecord) []byte {
	buf := make([]byte, RequestRecordSize)

	buf[0] = r.TxnID
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], r.RegionID)
	binary.LittleEndian.PutUint32(buf[4:8], r.OpFlags)
	binary.LittleEndian.PutUint64(buf[8:16], r.Length)
	binary.LittleEndian.PutUint64(buf[16:24], r.VMOOffset)
	binary.LittleEndian.PutUint64(buf[24:32], r.DevOffset)

	return buf
}

// UnmarshalRequest manually unmarshals a RequestRecord from wire bytes.
func UnmarshalRequest(data []byte, r *RequestRecord) error {
	if len(data) < RequestRecordSize {
		return ErrInsufficientData
	}

	r.TxnID = data[0]
	r.RegionID = binary.LittleEndian.Uint16(data[2:4])
	r.OpFlags = binary.LittleEndian.Uint32(data[4:8])
	r.Length = binary.LittleEndian.Uint64(data[8:16])
	r.VMOOffset = binary.LittleEndian.Uint64(data[16:24])
	r.DevOffset = binary.LittleEndian.Uint64(data[24:32])

	return nil
}

// MarshalResponse manually marshals a ResponseRecord into its wire bytes.
func MarshalResponse(r *ResponseRecord) []byte {
	buf := make([]byte, ResponseRecordSize)

	buf[0] = r.TxnID
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[8:12], r.Count)
	binary.LittleEndian.PutUint32(buf[12:16], r.Reserved)

	return buf
}

// UnmarshalResponse manually unmarshals a ResponseRecord from wire bytes.
func UnmarshalResponse(data []byte, r *ResponseRecord) error {
	if len(data) < ResponseRecordSize {
		return ErrInsufficientData
	}

	r.TxnID = data[0]
	r.Status = int32(binary.LittleEndian.Uint32(data[4:8]))
	r.Count = binary.LittleEndian.Uint32(data[8:12])
	r.Reserved = binary.LittleEndian.Uint32(data[12:16])

	return nil
}
