package forward

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// hopStripHeaders are dropped before forwarding, regardless of upstream kind.
var hopStripHeaders = map[string]bool{
	"Proxy-Connection":  true,
	"Proxy-Name":        true,
	"Content-Length":    true, // recomputed below from the buffered body
	"Transfer-Encoding": true, // net/http already de-chunks req.Body
}

// buildOriginFormRequest renders req in origin-form (request-line path only,
// no scheme/host) for a tunnel opened to a SOCKS5/Shadowsocks/ HTTP-CONNECT
// upstream ("converted to origin-form when sending to a SOCKS5/Shadowsocks
// upstream"). The body is fully buffered so Content-Length can be stated
// correctly even when the client sent it chunked.
func buildOriginFormRequest(req *http.Request) ([]byte, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("forward: read request body: %w", err)
		}
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, path, req.Proto)
	fmt.Fprintf(&buf, "Host: %s\r\n", req.Host)
	for k, vv := range req.Header {
		if hopStripHeaders[k] {
			continue
		}
		for _, v := range vv {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)
	return buf.Bytes(), nil
}
