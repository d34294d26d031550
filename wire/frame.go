// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire defines the framing and message shapes of both IPC channels:
// execution requests from the node and state queries back to it. Every frame
// is a 4-byte big-endian payload length followed by an RLP payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

const (
	headerLen = 4

	// DefaultMaxFrameSize bounds the payload of a single frame.
	DefaultMaxFrameSize = 16 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrEmptyFrame    = errors.New("empty frame")
)

// ReadFrame reads one frame from r and returns its payload. io.EOF is
// returned unwrapped when r ends cleanly between frames.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	switch {
	case size == 0:
		return nil, ErrEmptyFrame
	case size > maxSize:
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as a single frame. Header and payload go out in
// one Write so concurrent writers serialised by the caller never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

// Write RLP-encodes v into a single frame.
func Write(w io.Writer, v interface{}) error {
	payload, err := rlp.EncodeToBytes(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// Read reads one frame and RLP-decodes it into v.
func Read(r io.Reader, maxSize uint32, v interface{}) error {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return err
	}
	return rlp.DecodeBytes(payload, v)
}
