// Package admin implements the control-plane HTTP surface: any non-CONNECT
// request in origin form dispatches on path instead of being forwarded.
// The websocket dashboard shape (upgrader/clients map/broadcast channel)
// and the list/insert/delete/pause/head/tail/top mutation surface live
// here too.
package admin

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taige/tsproxy/internal/config"
	"github.com/taige/tsproxy/internal/health"
	"github.com/taige/tsproxy/internal/pool"
	"github.com/taige/tsproxy/internal/stat"
	"github.com/taige/tsproxy/internal/wire"
)

const version = "tsproxy/1.0"

// Server is the admin HTTP handler plus its websocket dashboard.
type Server struct {
	Pool      *pool.Pool
	Ring      *stat.Ring
	DomainMap *stat.DomainSpeedMap
	Health    *health.Manager
	ACL       *config.ACL
	Logger    *wire.Logger
	StateFile string

	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte

	connMu sync.Mutex
	conns  map[string]*ConnInfo
}

// ConnInfo is one live proxied connection's accounting, registered by
// internal/forward at accept time and deregistered at close.
type ConnInfo struct {
	Peer        string
	RequestLine string
	Started     time.Time
	Bytes       int64
}

// New builds a Server and starts its broadcast pump.
func New(p *pool.Pool, ring *stat.Ring, dmap *stat.DomainSpeedMap, h *health.Manager, acl *config.ACL, logger *wire.Logger, stateFile string) *Server {
	s := &Server{
		Pool:      p,
		Ring:      ring,
		DomainMap: dmap,
		Health:    h,
		ACL:       acl,
		Logger:    logger,
		StateFile: stateFile,
		clients:   map[*websocket.Conn]bool{},
		broadcast: make(chan []byte, 256),
		conns:     map[string]*ConnInfo{},
	}
	if logger != nil {
		logger.AddSink(s.pushLog)
	}
	go s.pump()
	return s
}

// Mux builds the net/http handler serving every admin path.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleList)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/conn", s.handleConn)
	mux.HandleFunc("/acl", s.handleACLList)
	mux.HandleFunc("/acl_add", s.handleACLAdd)
	mux.HandleFunc("/acl_del", s.handleACLDel)
	mux.HandleFunc("/insert", s.handleInsert)
	mux.HandleFunc("/add", s.handleInsert)
	mux.HandleFunc("/delete", s.handleDelete)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/head", s.handleHead)
	mux.HandleFunc("/tail", s.handleTail)
	mux.HandleFunc("/top", s.handleTop)
	mux.HandleFunc("/untop", s.handleUntop)
	mux.HandleFunc("/speed", s.handleSpeed)
	mux.HandleFunc("/fspeed", s.handleFSpeed)
	mux.HandleFunc("/dump", s.handleDump)
	mux.HandleFunc("/domain", s.handleDomain)
	mux.HandleFunc("/stack", s.handleStack)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// RegisterConn is called by internal/forward when a proxied connection
// accepts, so /conn can report it.
func (s *Server) RegisterConn(id, peer, requestLine string) {
	s.connMu.Lock()
	s.conns[id] = &ConnInfo{Peer: peer, RequestLine: requestLine, Started: time.Now()}
	s.connMu.Unlock()
}

// UpdateConn records bytes transferred so far for an open connection.
func (s *Server) UpdateConn(id string, bytes int64) {
	s.connMu.Lock()
	if c, ok := s.conns[id]; ok {
		c.Bytes = bytes
	}
	s.connMu.Unlock()
}

// DeregisterConn removes a connection once it closes.
func (s *Server) DeregisterConn(id string) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
}

func (s *Server) footer() string {
	last := "never"
	if t := s.Pool.LastSpeedTest(); !t.IsZero() {
		last = t.Format(time.RFC3339)
	}
	return fmt.Sprintf("\n--\n%s last_speed_test=%s\n", version, last)
}

func writePlain(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, body)
}

func (s *Server) handleStack(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	writePlain(w, string(buf[:n])+s.footer())
}
