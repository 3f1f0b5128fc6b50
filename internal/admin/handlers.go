package admin

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/taige/tsproxy/internal/config"
	"github.com/taige/tsproxy/internal/proxyspec"
)

// handleList answers "/" and "/list": the pool ordered by current rank with
// TP90, fail rate, speed, session count, head-time stamp.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.Pool.Sort()

	var b strings.Builder
	for i, px := range s.Pool.Snapshot() {
		tp90, n := px.TP90()
		head := ""
		if !px.HeadTime().IsZero() {
			head = px.HeadTime().Format("15:04:05")
		}
		fmt.Fprintf(&b, "%2d  %-20s kind=%-11s tp90=%.0fms(n=%d) fail=%.2f speed=%.0fB/s sess=%d paused=%v head=%s\n",
			i, px.ShortName, px.Kind, tp90, n, px.FailRate(), px.DownSpeed(), px.SessCount(), px.Paused(), head)
	}
	writePlain(w, b.String()+s.footer())
}

// handleConn answers "/conn": live connections with lifetime, bytes,
// request line.
func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	var b strings.Builder
	for id, c := range s.conns {
		fmt.Fprintf(&b, "%s peer=%s age=%s bytes=%d req=%q\n",
			id, c.Peer, time.Since(c.Started).Round(time.Second), c.Bytes, c.RequestLine)
	}
	writePlain(w, b.String()+s.footer())
}

func (s *Server) handleACLList(w http.ResponseWriter, r *http.Request) {
	if s.ACL == nil {
		writePlain(w, "no acl loaded"+s.footer())
		return
	}
	writePlain(w, strings.Join(s.ACL.List(), "\n")+s.footer())
}

func (s *Server) handleACLAdd(w http.ResponseWriter, r *http.Request) {
	entry := r.URL.Query().Get("entry")
	if s.ACL == nil || entry == "" {
		writePlain(w, "missing entry"+s.footer())
		return
	}
	if err := s.ACL.Add(entry); err != nil {
		writePlain(w, "error: "+err.Error()+s.footer())
		return
	}
	writePlain(w, "added "+entry+s.footer())
}

func (s *Server) handleACLDel(w http.ResponseWriter, r *http.Request) {
	entry := r.URL.Query().Get("entry")
	if s.ACL == nil || entry == "" {
		writePlain(w, "missing entry"+s.footer())
		return
	}
	removed := s.ACL.Remove(entry)
	writePlain(w, fmt.Sprintf("removed=%v %s", removed, entry)+s.footer())
}

// handleInsert answers "/insert" and "/add": parse an upstream spec
// string from the "spec" query param and add it to the pool, at head
// when "head=1".
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("spec")
	if raw == "" {
		writePlain(w, "missing spec"+s.footer())
		return
	}
	us, err := config.ParseUpstreamSpec(raw)
	if err != nil {
		writePlain(w, "error: "+err.Error()+s.footer())
		return
	}
	px := proxyspec.New(s.Ring, us.Kind, us.Host, us.Port, us.ShortName)
	px.Password = us.Password
	px.Method = us.Method
	px.JSONConfig = us.JSONConfig

	atHead := r.URL.Query().Get("head") == "1"
	s.Pool.Add(px, atHead)
	writePlain(w, "added "+px.ShortName+s.footer())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writePlain(w, "missing name"+s.footer())
		return
	}
	removed := s.Pool.Remove(name)
	writePlain(w, fmt.Sprintf("removed=%v %s", removed, name)+s.footer())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	px := s.Pool.Find(name)
	if px == nil {
		writePlain(w, "not found: "+name+s.footer())
		return
	}
	if r.URL.Query().Get("resume") == "1" {
		// Operator resume also drops the proxy from the auto-pause set so
		// the monitor doesn't immediately re-pause it.
		s.Pool.AutoResume(px.ShortName)
		px.Resume()
		writePlain(w, "resumed "+name+s.footer())
		return
	}
	px.Pause(false)
	writePlain(w, "paused "+name+s.footer())
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	px := s.Pool.Find(name)
	if px == nil {
		writePlain(w, "not found: "+name+s.footer())
		return
	}
	s.Pool.MoveToHead(px)
	writePlain(w, "head="+name+s.footer())
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	s.Pool.MoveHeadToTail("admin")
	writePlain(w, "moved head to tail"+s.footer())
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name != "" {
		if px := s.Pool.Find(name); px != nil {
			s.Pool.MoveToHead(px)
		}
	}
	s.Pool.SetFixTop(true)
	writePlain(w, "fix_top=true"+s.footer())
}

func (s *Server) handleUntop(w http.ResponseWriter, r *http.Request) {
	s.Pool.SetFixTop(false)
	writePlain(w, "fix_top=false"+s.footer())
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if s.Health != nil && s.Health.Speed != nil {
		go s.Health.Speed.Run(context.Background(), s.Pool, host)
	}
	writePlain(w, "speed test queued"+s.footer())
}

func (s *Server) handleFSpeed(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if s.Health != nil && s.Health.Speed != nil {
		s.Health.Speed.Run(context.Background(), s.Pool, host)
	}
	writePlain(w, "speed test done"+s.footer())
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if s.StateFile == "" {
		writePlain(w, "no state file configured"+s.footer())
		return
	}
	var aclEntries []string
	if s.ACL != nil {
		aclEntries = s.ACL.List()
	}
	if err := s.Pool.Dump(s.StateFile, aclEntries); err != nil {
		writePlain(w, "error: "+err.Error()+s.footer())
		return
	}
	writePlain(w, "dumped to "+s.StateFile+s.footer())
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	if s.DomainMap == nil {
		writePlain(w, "no domain map"+s.footer())
		return
	}
	snap := s.DomainMap.Snapshot()
	hosts := make([]string, 0, len(snap))
	for h := range snap {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	var b strings.Builder
	for _, h := range hosts {
		type entry struct {
			key   string
			speed float64
		}
		var entries []entry
		for k, v := range snap[h] {
			entries = append(entries, entry{k, v})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].speed > entries[j].speed })
		fmt.Fprintf(&b, "%s:\n", h)
		for _, e := range entries {
			fmt.Fprintf(&b, "  %-30s %.0fB/s\n", e.key, e.speed)
		}
	}
	writePlain(w, b.String()+s.footer())
}
