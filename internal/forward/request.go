package forward

import (
	"net"
	"net/http"
	"strconv"

	"github.com/taige/tsproxy/internal/router"
)

// targetHostPort extracts the destination host/port: for plain HTTP it
// comes from the absolute-form request-URI or the Host header; for
// CONNECT, the request-target itself is "host:port".
func targetHostPort(req *http.Request) (host string, port int, err error) {
	var hostport string
	if req.Method == http.MethodConnect {
		hostport = req.RequestURI
	} else if req.URL.IsAbs() {
		hostport = req.URL.Host
	} else {
		hostport = req.Host
	}

	h, p, splitErr := net.SplitHostPort(hostport)
	if splitErr != nil {
		h = hostport
		if req.Method == http.MethodConnect {
			p = "443"
		} else {
			p = "80"
		}
	}
	portNum, convErr := strconv.Atoi(p)
	if convErr != nil {
		return "", 0, convErr
	}
	return h, portNum, nil
}

// flattenHeaders takes the first value of every header, the shape
// internal/router.Request.Headers expects for substring matching.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if len(vv) > 0 {
			out[k] = vv[0]
		}
	}
	return out
}

// buildRouterRequest adapts a parsed client request into the narrow view
// internal/router.Decide consumes.
func buildRouterRequest(req *http.Request, app, host string, port int) router.Request {
	return router.Request{
		URL:       req.URL.String(),
		IsHTTPS:   req.Method == http.MethodConnect,
		Host:      host,
		Port:      port,
		Path:      req.URL.Path,
		Method:    req.Method,
		App:       app,
		Headers:   flattenHeaders(req.Header),
		ProxyName: req.Header.Get("Proxy-Name"),
	}
}
