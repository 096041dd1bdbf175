package bakerypb

import (
	"bytes"
	"encoding/binary"
	"io"

	errgo "gopkg.in/errgo.v1"
)

// MarshalBinary implements encoding.BinaryMarshaler.
func (id *MacaroonId) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeBytes(&buf, id.Nonce)
	writeBytes(&buf, id.StorageId)
	writeUvarint(&buf, uint64(len(id.Ops)))
	for _, op := range id.Ops {
		writeString(&buf, op.Entity)
		writeUvarint(&buf, uint64(len(op.Actions)))
		for _, action := range op.Actions {
			writeString(&buf, action)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *MacaroonId) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	nonce, err := readBytes(r)
	if err != nil {
		return errgo.Notef(err, "cannot read nonce")
	}
	storageId, err := readBytes(r)
	if err != nil {
		return errgo.Notef(err, "cannot read storage id")
	}
	nops, err := binary.ReadUvarint(r)
	if err != nil {
		return errgo.Notef(err, "cannot read operation count")
	}
	ops := make([]*Op, 0, nops)
	for i := uint64(0); i < nops; i++ {
		entity, err := readString(r)
		if err != nil {
			return errgo.Notef(err, "cannot read operation entity")
		}
		nactions, err := binary.ReadUvarint(r)
		if err != nil {
			return errgo.Notef(err, "cannot read action count")
		}
		actions := make([]string, 0, nactions)
		for j := uint64(0); j < nactions; j++ {
			action, err := readString(r)
			if err != nil {
				return errgo.Notef(err, "cannot read operation action")
			}
			actions = append(actions, action)
		}
		ops = append(ops, &Op{
			Entity:  entity,
			Actions: actions,
		})
	}
	if r.Len() != 0 {
		return errgo.Newf("%d unexpected trailing bytes in macaroon id", r.Len())
	}
	id.Nonce = nonce
	id.StorageId = storageId
	id.Ops = ops
	return nil
}

func writeUvarint(buf *bytes.Buffer, n uint64) {
	var tmp [binary.MaxVarintLen64]byte
	nbytes := binary.PutUvarint(tmp[:], n)
	buf.Write(tmp[:nbytes])
}

func writeBytes(buf *bytes.Buffer, data []byte) {
	writeUvarint(buf, uint64(len(data)))
	buf.Write(data)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, errgo.Newf("length %d exceeds remaining data", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readString(r *bytes.Reader) (string, error) {
	data, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
