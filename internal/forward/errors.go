package forward

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// isNetworkUnreachable reports whether err is a local-network-connectivity
// failure (ENETUNREACH/EHOSTUNREACH) rather than a problem with the proxy
// itself. A laptop that's briefly offline, or has no route to a particular
// upstream's address family, shouldn't demote an otherwise-healthy head or
// count against its error backoff the way a real proxy failure does.
func isNetworkUnreachable(err error) bool {
	return errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH)
}

// writeSynthesized writes a minimal HTTP response whose reason phrase
// carries the (TSP) suffix.
func writeSynthesized(conn net.Conn, status int, reason string) {
	body := fmt.Sprintf("%d %s", status, reason)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s (TSP)\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, reason, len(body), body)
}

func writeBadRequest(conn net.Conn) {
	writeSynthesized(conn, 400, "Bad Request")
}

func writeNoResponse(conn net.Conn) {
	writeSynthesized(conn, 500, "Proxy is close")
}

func writeUnparsableResponse(conn net.Conn) {
	writeSynthesized(conn, 502, "Bad Gateway")
}

func writeUpstreamUnavailable(conn net.Conn, reason string) {
	writeSynthesized(conn, 503, reason)
}

func writeResponseTimeout(conn net.Conn) {
	writeSynthesized(conn, 504, "Connect proxy timeout")
}

func writeForbidden(conn net.Conn) {
	writeSynthesized(conn, 403, "Forbidden")
}
