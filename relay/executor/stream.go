package executor

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// maxStreamTee caps how much of a streamed response is retained for token
// accounting; streams beyond it still relay but only the retained prefix is
// scanned for usage events (vendors emit usage near the head and tail, so the
// cap is generous).
const maxStreamTee = 4 << 20

// bridgeStream relays the upstream SSE body to the client verbatim. Headers
// and status are withheld until the first byte arrives so an empty stream can
// still be retried on another candidate. Returns the bytes written downstream
// and the retained prefix.
func bridgeStream(w http.ResponseWriter, resp *http.Response) (int64, []byte, error) {
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 32*1024)

	n, err := reader.Read(buf)
	if n == 0 {
		if err == io.EOF {
			return 0, nil, nil
		}
		return 0, nil, err
	}

	copySSEHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	var tee bytes.Buffer
	var written int64
	for {
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, tee.Bytes(), werr
			}
			written += int64(n)
			if tee.Len() < maxStreamTee {
				tee.Write(buf[:n])
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, tee.Bytes(), nil
			}
			return written, tee.Bytes(), err
		}
		n, err = reader.Read(buf)
	}
}

func copySSEHeaders(w http.ResponseWriter, resp *http.Response) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
