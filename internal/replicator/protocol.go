// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replicator

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"grimm.is/failsafe/internal/errors"
)

// Wire format: 4-byte big-endian length followed by one JSON frame. A file
// frame is followed by exactly File.Size raw body bytes.
//
// Exchange per push, always initiated by the master:
//
//	-> offer (generation, full?, manifest)
//	<- want  (paths the receiver is missing or has a different checksum for)
//	-> file + body, repeated for each wanted path
//	-> done
//	<- ack   (applied/deleted counts, error)

const maxFrameSize = 8 << 20

type frameType string

const (
	frameOffer frameType = "offer"
	frameWant  frameType = "want"
	frameFile  frameType = "file"
	frameDone  frameType = "done"
	frameAck   frameType = "ack"
)

type frame struct {
	Type       frameType    `json:"type"`
	Generation uint64       `json:"generation,omitempty"`
	Full       bool         `json:"full,omitempty"`
	Manifest   []FileRecord `json:"manifest,omitempty"`
	Paths      []string     `json:"paths,omitempty"`
	File       *FileRecord  `json:"file,omitempty"`
	Applied    int          `json:"applied,omitempty"`
	Deleted    int          `json:"deleted,omitempty"`
	Rejected   int          `json:"rejected,omitempty"`
	Error      string       `json:"error,omitempty"`
}

func writeFrame(w io.Writer, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode frame")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader, f *frame) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return errors.Errorf(errors.KindValidation, "frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, f); err != nil {
		return errors.Wrap(err, errors.KindValidation, "failed to decode frame")
	}
	return nil
}
