package forward

import (
	"io"
	"net"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/proxyspec"
)

// relayResult carries the byte counters and timing the common-log line
// needs.
type relayResult struct {
	uploadBytes   int64
	downloadBytes int64
	timeToFirst   time.Duration
	responded     bool
}

// relay pumps bytes in both directions between down (the client socket) and
// up (the upstream tunnel) until either side closes or goes idle past
// poolcfg.CloseOnIdleTimeout. The upstream->client direction starts out
// budgeted at poolcfg.ResponseTimeout — if no byte at all arrives within
// that window, the upstream is treated as unresponsive and the proxy is
// marked failed — but once the first byte arrives, it relaxes to the same
// poolcfg.CloseOnIdleTimeout idle budget as the client->upstream direction,
// so a slow-but-alive download isn't cut off and misreported as a failure
// just because one chunk took longer than response_timeout to arrive.
func relay(down, up net.Conn, px *proxyspec.Proxy) relayResult {
	start := time.Now()
	result := &relayResult{}

	upDone := make(chan int64, 1)
	downDone := make(chan int64, 1)

	go func() {
		n := pump(up, down, poolcfg.ResponseTimeout, poolcfg.CloseOnIdleTimeout, func() {
			if !result.responded {
				result.responded = true
				result.timeToFirst = time.Since(start)
			}
		})
		upDone <- n
	}()
	go func() {
		n := pump(down, up, poolcfg.CloseOnIdleTimeout, poolcfg.CloseOnIdleTimeout, nil)
		downDone <- n
	}()

	result.downloadBytes = <-upDone
	up.Close()
	down.Close()
	result.uploadBytes = <-downDone

	if px != nil {
		elapsed := time.Since(start).Seconds()
		if result.responded {
			px.Record(px.CurrentAddress(), elapsed, false)
			if result.downloadBytes > 0 && elapsed > 0 {
				px.SetRealtimeSpeed(float64(result.downloadBytes) / elapsed)
			}
		} else {
			px.Record(px.CurrentAddress(), -1, true)
		}
	}

	return *result
}

// pump copies src -> dst with a rolling read deadline, calling onFirstByte
// (if set) the first time a read succeeds. The deadline starts at
// initialBudget and switches to idleBudget from the second read onward, so
// a direction can have a tight "are you even alive" budget up front and a
// looser "are you still active" budget once data is flowing. Returns the
// byte count written.
func pump(dst, src net.Conn, initialBudget, idleBudget time.Duration, onFirstByte func()) int64 {
	buf := make([]byte, 32*1024)
	var total int64
	budget := initialBudget
	first := true
	for {
		src.SetReadDeadline(time.Now().Add(budget))
		n, err := src.Read(buf)
		if n > 0 {
			if first {
				if onFirstByte != nil {
					onFirstByte()
				}
				first = false
				budget = idleBudget
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total
			}
			return total
		}
	}
}
