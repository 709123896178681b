package upstream

import (
	"net/http"

	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/telemetry/tracing"
)

// request is a client request in protocol-neutral form.
type request struct {
	method     string
	requestURI string
	authority  string
	header     http.Header
	body       []byte
}

// forward sends r to the backend through h and calls done with either the
// backend response or the status of a generated error response. alive is
// consulted when the backend answers; when it reports false the
// transaction was abandoned, the connection is released and done is not
// called.
func forward(h Handler, r *request, alive func() bool, done func(resp *backend.Response, status int)) {
	conn, err := h.GetDownstreamConnection()
	if err != nil {
		done(nil, statusForError(err))
		return
	}

	ctx := h.Context()
	header := backendRequestHeader(r.header, h.ClientAddr(), h.UpstreamScheme())
	tracing.InjectBackendRequest(ctx, header)
	req, err := backend.NewRequest(ctx, r.method, h.BackendScheme(), conn.Target(), r.requestURI, header, r.body)
	if err != nil {
		h.PoolDownstreamConnection(conn)
		done(nil, http.StatusBadRequest)
		return
	}
	req.Host = r.authority

	conn.RoundTrip(req, func(resp *backend.Response, err error) {
		if !alive() {
			if err == nil {
				h.PoolDownstreamConnection(conn)
			} else {
				h.RemoveDownstreamConnection(conn)
			}
			return
		}
		if err != nil {
			h.RemoveDownstreamConnection(conn)
			done(nil, statusForError(err))
			return
		}
		h.PoolDownstreamConnection(conn)
		done(resp, resp.StatusCode)
	})
}
