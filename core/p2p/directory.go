package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Directory lookup wire format: no request payload; the response is a JSON
// body length-prefixed with a 4-byte big-endian byte count.

const maxDirectoryFrame = 1 << 20

type DirectoryPeer struct {
	PeerID     string   `json:"peerId"`
	Multiaddrs []string `json:"multiaddrs"`
	LastSeen   int64    `json:"lastSeen"`
}

type DirectoryResponse struct {
	Peers     []DirectoryPeer `json:"peers"`
	Timestamp int64           `json:"timestamp"`
}

func writeFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxDirectoryFrame {
		return nil, fmt.Errorf("directory frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
