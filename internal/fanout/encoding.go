package fanout

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"

	"github.com/klauspost/compress/flate"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

type message struct {
	Data       any  `json:"data"`
	Compressed bool `json:"compressed"`
}

// EncodeMessages returns the plain and compressed messages of a snapshot. The
// compressed message holds the base64 raw deflate of the snapshot JSON. When
// compression fails the plain message is returned for both.
func EncodeMessages(snapshot domain.Snapshot) (plain, compressed []byte, err error) {
	if snapshot == nil {
		snapshot = domain.Snapshot{}
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, nil, err
	}

	plain, err = json.Marshal(message{Data: json.RawMessage(payload)})
	if err != nil {
		return nil, nil, err
	}

	deflated, err := deflate(payload)
	if err != nil {
		slog.Warn("could not compress snapshot", "error", err)
		return plain, plain, nil
	}
	compressed, err = json.Marshal(message{
		Data:       base64.StdEncoding.EncodeToString(deflated),
		Compressed: true,
	})
	if err != nil {
		return nil, nil, err
	}

	return plain, compressed, nil
}

func deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
