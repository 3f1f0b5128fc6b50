// Command tsproxy runs the local HTTP/HTTPS forward proxy: a ranked pool
// of upstream proxies, a YAML-driven router, and an admin control plane
// sharing the same listener.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/taige/tsproxy/internal/admin"
	"github.com/taige/tsproxy/internal/classify"
	"github.com/taige/tsproxy/internal/config"
	"github.com/taige/tsproxy/internal/dnscache"
	"github.com/taige/tsproxy/internal/forward"
	"github.com/taige/tsproxy/internal/health"
	"github.com/taige/tsproxy/internal/pool"
	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/procattr"
	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/router"
	"github.com/taige/tsproxy/internal/stat"
	"github.com/taige/tsproxy/internal/wire"
)

func main() {
	logger := wire.New()

	opts := &config.Options{}
	if err := config.LoadDefaults(opts); err != nil {
		logger.Printf("tsproxy: defaults: %v", err)
		os.Exit(1)
	}
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()
	opts.UpstreamSpecs = pflag.Args()

	mode, err := config.Load(opts)
	if err != nil {
		logger.Printf("tsproxy: config: %v", err)
		os.Exit(1)
	}

	ring := stat.NewRing()
	domainSpeed := stat.NewDomainSpeedMap()
	p := pool.New(ring, domainSpeed)

	acl, err := config.LoadACL(opts.ACLPath)
	if err != nil {
		logger.Printf("tsproxy: acl: %v", err)
		os.Exit(1)
	}

	restoredACL, err := p.Load(opts.StateFilePath, func() *proxyspec.Proxy { return proxyspec.New(ring, proxyspec.Direct, "", 0, "") })
	if err != nil && !os.IsNotExist(err) {
		logger.Printf("tsproxy: state restore: %v", err)
	}
	for _, entry := range restoredACL {
		if err := acl.Add(entry); err != nil {
			logger.Printf("tsproxy: restored acl entry %q: %v", entry, err)
		}
	}
	p.SetNetworkIdentity("", lanIP())

	specs := append([]string{}, opts.UpstreamSpecs...)
	fromConfig, err := config.LoadProxiesConfig(opts.ProxiesConfigPath)
	if err != nil {
		logger.Printf("tsproxy: proxies config: %v", err)
		os.Exit(1)
	}
	specs = append(specs, fromConfig...)

	for _, raw := range specs {
		us, err := config.ParseUpstreamSpec(raw)
		if err != nil {
			logger.Printf("tsproxy: upstream spec %q: %v", raw, err)
			continue
		}
		if p.Find(us.ShortName) != nil || (us.ShortName == "" && p.Find(fmt.Sprintf("%s:%d", us.Host, us.Port)) != nil) {
			continue // already restored from state
		}
		px := proxyspec.New(ring, us.Kind, us.Host, us.Port, us.ShortName)
		px.Password = us.Password
		px.Method = us.Method
		px.JSONConfig = us.JSONConfig
		p.Add(px, false)
	}

	if p.Size() == 0 && mode != config.NoProxy {
		logger.Printf("tsproxy: no upstream proxies configured and mode is %s", mode)
		os.Exit(1)
	}

	speedSites, err := config.LoadSpeedSites(opts.SpeedSitesPath)
	if err != nil {
		logger.Printf("tsproxy: speed sites: %v", err)
		os.Exit(1)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := classify.EnsureDelegationFile(startupCtx, opts.ApnicURL, opts.ApnicCachePath); err != nil {
		logger.Printf("tsproxy: apnic delegation file unavailable, CN classification degraded: %v", err)
	}
	cancelStartup()
	classifier := classify.New(opts.ApnicCachePath)

	dns := dnscache.New(0, nil)

	var routerCfg *router.Config
	if _, err := os.Stat(opts.RouterConfigPath); err == nil {
		routerCfg, err = router.Load(opts.RouterConfigPath)
		if err != nil {
			logger.Printf("tsproxy: router config: %v", err)
			os.Exit(1)
		}
	}

	listenAddr := net.JoinHostPort(opts.ListenAddr, strconv.Itoa(opts.ListenPort))

	engine := &forward.Engine{
		Pool:       p,
		Router:     routerCfg,
		Mode:       mode,
		Classifier: classifier,
		DNS:        dns,
		ACL:        acl,
		SpeedSites: speedSites,
		Attributor: procattr.New(),
		Logger:     logger,
		ListenAddr: listenAddr,
	}

	prober := forward.NewProber(engine, opts.HealthCheckURLs)
	speedProbe := forward.NewSpeedProbe(engine)
	speedTester := &health.SpeedTester{Probe: speedProbe, Logger: logger, URLs: opts.SpeedTestURLs}
	healthMgr := health.New(p, ring, logger, prober, speedTester)
	engine.Health = healthMgr

	adminSrv := admin.New(p, ring, domainSpeed, healthMgr, acl, logger, opts.StateFilePath)
	engine.Admin = adminSrv

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Printf("tsproxy: listen %s: %v", listenAddr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go healthMgr.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- engine.Serve(ctx, ln)
	}()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	logger.Printf("tsproxy: listening on %s mode=%s proxies=%d", listenAddr, mode, p.Size())

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGQUIT:
				buf := make([]byte, 1<<20)
				n := runtime.Stack(buf, true)
				logger.Printf("tsproxy: stack dump:\n%s", buf[:n])
				continue
			default:
				logger.Printf("tsproxy: received %s, shutting down", sig)
				cancel()
				ln.Close()
				shutdown(p, acl, opts.StateFilePath, logger)
				return
			}
		case err := <-serveErr:
			if err != nil {
				logger.Printf("tsproxy: serve: %v", err)
			}
			cancel()
			shutdown(p, acl, opts.StateFilePath, logger)
			return
		}
	}
}

// shutdown dumps the pool's persistent state, bounded by
// poolcfg.ShutdownGrace so a slow disk can't hang process exit.
func shutdown(p *pool.Pool, acl *config.ACL, stateFile string, logger *wire.Logger) {
	done := make(chan error, 1)
	go func() { done <- p.Dump(stateFile, acl.List()) }()

	select {
	case err := <-done:
		if err != nil {
			logger.Printf("tsproxy: state dump: %v", err)
		}
	case <-time.After(poolcfg.ShutdownGrace):
		logger.Printf("tsproxy: state dump timed out after %s", poolcfg.ShutdownGrace)
	}
}

// lanIP best-effort detects the machine's non-loopback IPv4 address.
func lanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
