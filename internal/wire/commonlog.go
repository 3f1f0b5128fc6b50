package wire

import "fmt"

// CommonLogEntry is every field recorded for one request outcome line.
type CommonLogEntry struct {
	Peer          string
	PeerPID       int // 0 if unknown
	Protocol      string
	ProxyName     string // empty when direct
	RequestLine   string
	UploadBytes   int64
	DownloadBytes int64
	ContentLength int64 // -1 if unknown
	TimeToFirst   float64
	TotalTime     float64
	Status        int
	App           string // empty if unknown
	Mark          byte   // '.' close, ',' keep-alive
}

// Format renders one common-log line from a single call site.
func (e CommonLogEntry) Format() string {
	pid := "-"
	if e.PeerPID > 0 {
		pid = fmt.Sprintf("%d", e.PeerPID)
	}
	proxy := "direct"
	if e.ProxyName != "" {
		proxy = e.ProxyName
	}
	app := "-"
	if e.App != "" {
		app = e.App
	}
	cl := "-"
	if e.ContentLength >= 0 {
		cl = fmt.Sprintf("%d", e.ContentLength)
	}
	return fmt.Sprintf("%s pid=%s %s proxy=%s %q up=%d down=%d cl=%s ttfb=%.3f total=%.3f status=%d app=%s %c",
		e.Peer, pid, e.Protocol, proxy, e.RequestLine, e.UploadBytes, e.DownloadBytes,
		cl, e.TimeToFirst, e.TotalTime, e.Status, app, e.Mark)
}
