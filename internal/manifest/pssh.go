// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var boxTypePSSH = [4]byte{'p', 's', 's', 'h'}

// ErrInvalidPSSH is returned for truncated or malformed protection system boxes.
var ErrInvalidPSSH = errors.New("manifest: invalid pssh box")

// PSSH is a parsed ISO/IEC 23001-7 protection system specific header box.
type PSSH struct {
	Version  uint8
	SystemID uuid.UUID
	KeyIDs   []uuid.UUID
	Data     []byte
}

// ParsePSSH decodes a single pssh box. Trailing bytes after the box are rejected.
func ParsePSSH(b []byte) (PSSH, error) {
	var p PSSH
	if len(b) < 32 {
		return p, fmt.Errorf("%w: %d bytes", ErrInvalidPSSH, len(b))
	}
	size := binary.BigEndian.Uint32(b[0:4])
	if int(size) != len(b) {
		return p, fmt.Errorf("%w: declared size %d, have %d", ErrInvalidPSSH, size, len(b))
	}
	if [4]byte(b[4:8]) != boxTypePSSH {
		return p, fmt.Errorf("%w: box type %q", ErrInvalidPSSH, b[4:8])
	}
	p.Version = b[8]
	if p.Version > 1 {
		return p, fmt.Errorf("%w: version %d", ErrInvalidPSSH, p.Version)
	}
	copy(p.SystemID[:], b[12:28])

	off := 28
	if p.Version == 1 {
		if len(b) < off+4 {
			return p, fmt.Errorf("%w: missing key id count", ErrInvalidPSSH)
		}
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if n < 0 || len(b) < off+16*n {
			return p, fmt.Errorf("%w: truncated key ids", ErrInvalidPSSH)
		}
		p.KeyIDs = make([]uuid.UUID, n)
		for i := range p.KeyIDs {
			copy(p.KeyIDs[i][:], b[off:off+16])
			off += 16
		}
	}

	if len(b) < off+4 {
		return p, fmt.Errorf("%w: missing data size", ErrInvalidPSSH)
	}
	dataLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) != off+dataLen {
		return p, fmt.Errorf("%w: data size %d does not match box", ErrInvalidPSSH, dataLen)
	}
	if dataLen > 0 {
		p.Data = append([]byte(nil), b[off:]...)
	}
	return p, nil
}

// Marshal encodes p as a pssh box. Key IDs are only written for version 1.
func (p PSSH) Marshal() []byte {
	size := 32 + len(p.Data)
	if p.Version == 1 {
		size += 4 + 16*len(p.KeyIDs)
	}
	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint32(b, uint32(size))
	b = append(b, boxTypePSSH[:]...)
	b = append(b, p.Version, 0, 0, 0)
	b = append(b, p.SystemID[:]...)
	if p.Version == 1 {
		b = binary.BigEndian.AppendUint32(b, uint32(len(p.KeyIDs)))
		for _, kid := range p.KeyIDs {
			b = append(b, kid[:]...)
		}
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(p.Data)))
	return append(b, p.Data...)
}
