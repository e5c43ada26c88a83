// Package protocol implements the filelist-request wire protocol: a
// length-prefixed packet stack over the client control connection
// (varint length prefix + CBOR payload).
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// WritePacket writes one length-prefixed CBOR-encoded packet.
func WritePacket(w io.Writer, v interface{}) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode: %w", err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadPacket reads one length-prefixed packet as raw text, the way the
// filelist-request response packets (DONE/BUSY/error text) arrive.
func ReadPacket(r io.ByteReader) (string, error) {
	payload, err := ReadPacketRaw(r)
	if err != nil {
		return "", err
	}
	var s string
	if err := cbor.Unmarshal(payload, &s); err != nil {
		return "", fmt.Errorf("protocol: decode: %w", err)
	}
	return s, nil
}

// ReadPacketRaw reads one length-prefixed packet and returns its raw CBOR
// payload, for callers whose packet type isn't a plain string.
func ReadPacketRaw(r io.ByteReader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}

	buf := make([]byte, length)
	for i := uint64(0); i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("protocol: read payload: %w", err)
		}
		buf[i] = b
	}
	return buf, nil
}
