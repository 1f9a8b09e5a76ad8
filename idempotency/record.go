package idempotency

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	recordVersionV1 = 1

	maxOwnerLen       = 65535
	maxContentTypeLen = 65535
	maxResponseLen    = 1 << 20
)

// Status is the lifecycle state of an idempotency record.
type Status uint8

const (
	// StatusInProgress marks a record whose operation is still executing.
	StatusInProgress Status = iota + 1
	// StatusCompleted marks a record holding a stored result.
	StatusCompleted
)

type record struct {
	Status      Status
	StatusCode  uint16
	CreatedAt   int64 // unix milliseconds
	CompletedAt int64 // unix milliseconds
	Owner       string
	ContentType string
	Response    []byte
}

func encodeRecord(rec *record) ([]byte, error) {
	if len(rec.Owner) > maxOwnerLen {
		return nil, errors.New("idempotency record owner too long")
	}
	if len(rec.ContentType) > maxContentTypeLen {
		return nil, errors.New("idempotency record content type too long")
	}
	if len(rec.Response) > maxResponseLen {
		return nil, errors.New("idempotency record response too large")
	}

	var buf bytes.Buffer

	buf.WriteByte(recordVersionV1)
	buf.WriteByte(byte(rec.Status))

	if err := binary.Write(&buf, binary.BigEndian, rec.StatusCode); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.CompletedAt); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(rec.Owner))); err != nil {
		return nil, err
	}
	buf.WriteString(rec.Owner)

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(rec.ContentType))); err != nil {
		return nil, err
	}
	buf.WriteString(rec.ContentType)

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(rec.Response))); err != nil {
		return nil, err
	}
	buf.Write(rec.Response)

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersionV1 {
		return nil, errors.New("invalid idempotency record version")
	}

	status, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	rec := &record{Status: Status(status)}
	if rec.Status != StatusInProgress && rec.Status != StatusCompleted {
		return nil, errors.New("invalid idempotency record status")
	}

	if err := binary.Read(reader, binary.BigEndian, &rec.StatusCode); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.CompletedAt); err != nil {
		return nil, err
	}

	var ownerLen uint16
	if err := binary.Read(reader, binary.BigEndian, &ownerLen); err != nil {
		return nil, err
	}
	owner := make([]byte, ownerLen)
	if _, err := io.ReadFull(reader, owner); err != nil {
		return nil, err
	}
	rec.Owner = string(owner)

	var contentTypeLen uint16
	if err := binary.Read(reader, binary.BigEndian, &contentTypeLen); err != nil {
		return nil, err
	}
	contentType := make([]byte, contentTypeLen)
	if _, err := io.ReadFull(reader, contentType); err != nil {
		return nil, err
	}
	rec.ContentType = string(contentType)

	var responseLen uint32
	if err := binary.Read(reader, binary.BigEndian, &responseLen); err != nil {
		return nil, err
	}
	if responseLen > maxResponseLen {
		return nil, errors.New("invalid idempotency record response length")
	}
	if responseLen > 0 {
		rec.Response = make([]byte, responseLen)
		if _, err := io.ReadFull(reader, rec.Response); err != nil {
			return nil, err
		}
	}

	return rec, nil
}
