package server

import (
	"bytes"
	"net/http"
	"sync"

	gateway "github.com/eugener/warden/internal"
)

// maxRequestBody bounds inbound inference bodies.
const maxRequestBody = 10 << 20 // 10 MB

// bodyPool recycles read buffers on the proxy hot path.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// handleProxy returns the passthrough handler for one provider protocol.
// The body is read once here; the engine classifies, routes, selects, and
// forwards it.
func (s *server) handleProxy(provider gateway.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		buf := bodyPool.Get().(*bytes.Buffer)
		buf.Reset()
		if _, err := buf.ReadFrom(r.Body); err != nil {
			bodyPool.Put(buf)
			writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body"))
			return
		}
		body := bytes.Clone(buf.Bytes())
		bodyPool.Put(buf)

		if err := s.deps.Engine.Handle(w, r, provider, body); err != nil {
			writeError(w, err)
		}
	}
}
