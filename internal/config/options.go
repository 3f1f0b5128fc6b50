// Package config loads the CLI-equivalent Options struct and the auxiliary
// on-disk configuration (ACL, speed-sites list) the core depends on, via
// reflection-driven default/validate struct tags, with explicit error
// returns instead of exiting the process on a bad value.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Mode is the router's top-level behavior when no rule matches.
type Mode int

const (
	NoProxy Mode = iota
	Smart
	ProxyAll
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "no-proxy", "noproxy":
		return NoProxy, nil
	case "smart", "":
		return Smart, nil
	case "proxy-all", "proxyall":
		return ProxyAll, nil
	default:
		return Smart, fmt.Errorf("config: unknown mode %q", raw)
	}
}

func (m Mode) String() string {
	switch m {
	case NoProxy:
		return "no-proxy"
	case ProxyAll:
		return "proxy-all"
	default:
		return "smart"
	}
}

// Options holds the CLI flag surface. Every optional field carries a
// `default` tag; UpstreamSpecs is populated separately, from CLI positional
// arguments, after LoadDefaults and Validate have run.
type Options struct {
	ListenAddr string `default:"0.0.0.0"`
	ListenPort int    `default:"8518"`
	ModeName   string `default:"smart" validate:"required"`

	RouterConfigPath  string `default:"router.yaml"`
	ProxiesConfigPath string `default:"proxies.json"`
	LoggerConfigPath  string
	ACLPath           string `default:"acl.txt"`
	SpeedSitesPath    string `default:"speed_sites.txt"`
	StateFilePath     string `default:"tsproxy_state.json"`
	ApnicURL          string `default:"http://ftp.apnic.net/apnic/stats/apnic/delegated-apnic-latest"`
	ApnicCachePath    string `default:"apnic_delegation.txt"`

	HealthCheckURLs []string `default:"http://www.gstatic.com/generate_204,http://connectivitycheck.gstatic.com/generate_204"`
	SpeedTestURLs   []string `default:"http://speed.cloudflare.com/__down?bytes=10000000,http://speedtest.tele2.net/10MB.zip"`

	UpstreamSpecs []string
}

// AddFlags registers every Options field on fs, in the style of a
// config-struct-owns-its-flags CLI surface. Call LoadDefaults on o before
// AddFlags so the registered flag defaults are the `default`-tag values,
// not zero values; fs.Parse then overrides whichever flags were passed.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ListenAddr, "listen-addr", o.ListenAddr, "address to bind the proxy listener on")
	fs.IntVar(&o.ListenPort, "listen-port", o.ListenPort, "port to bind the proxy listener on")
	fs.StringVar(&o.ModeName, "mode", o.ModeName, "no-proxy | smart | proxy-all")
	fs.StringVar(&o.RouterConfigPath, "router-config", o.RouterConfigPath, "path to the router YAML config")
	fs.StringVar(&o.ProxiesConfigPath, "proxies-config", o.ProxiesConfigPath, "path to the proxies JSON config")
	fs.StringVar(&o.LoggerConfigPath, "logger-config", o.LoggerConfigPath, "path to the logger config (optional)")
	fs.StringVar(&o.ACLPath, "acl", o.ACLPath, "path to the ACL file")
	fs.StringVar(&o.SpeedSitesPath, "speed-sites", o.SpeedSitesPath, "path to the speed-sites file")
	fs.StringVar(&o.StateFilePath, "state-file", o.StateFilePath, "path to the persistent state snapshot")
	fs.StringVar(&o.ApnicURL, "apnic-url", o.ApnicURL, "URL of the APNIC delegation file")
	fs.StringVar(&o.ApnicCachePath, "apnic-cache", o.ApnicCachePath, "local cache path for the downloaded APNIC delegation file")
	fs.StringSliceVar(&o.HealthCheckURLs, "health-check-url", o.HealthCheckURLs, "rotating URL(s) used for liveness HEAD probes")
	fs.StringSliceVar(&o.SpeedTestURLs, "speed-test-url", o.SpeedTestURLs, "URL(s) used for throughput probes")
}

// LoadDefaults fills zero-valued fields tagged `default:".."` by walking
// the struct with reflection, returning an error on an unsupported field
// kind instead of silently skipping it.
func LoadDefaults(obj interface{}) error {
	tof := reflect.TypeOf(obj).Elem()
	vof := reflect.ValueOf(obj).Elem()

	for i := 0; i < vof.NumField(); i++ {
		vf := vof.Field(i)
		tag := tof.Field(i).Tag.Get("default")
		if tag == "" || !vf.IsZero() {
			continue
		}

		switch vf.Kind() {
		case reflect.String:
			vf.SetString(tag)
		case reflect.Int:
			n, err := strconv.ParseInt(tag, 10, 64)
			if err != nil {
				return fmt.Errorf("config: default for %s: %w", tof.Field(i).Name, err)
			}
			vf.SetInt(n)
		case reflect.Slice:
			if vf.Type().Elem().Kind() == reflect.String {
				vf.Set(reflect.ValueOf(strings.Split(tag, ",")))
			}
		}
	}
	return nil
}

// Validate checks every field tagged `validate:"required"`, returning the
// first violation instead of os.Exit(0).
func Validate(obj interface{}) error {
	tof := reflect.TypeOf(obj).Elem()
	vof := reflect.ValueOf(obj).Elem()

	for i := 0; i < vof.NumField(); i++ {
		tf := tof.Field(i)
		vf := vof.Field(i)

		tag := tf.Tag.Get("validate")
		if tag == "" {
			continue
		}
		if strings.Contains(tag, "required") && vf.IsZero() {
			return fmt.Errorf("config: field %q is required", tf.Name)
		}
	}
	return nil
}

// Load applies defaults, validates required fields, and parses
// ModeName, in that order.
func Load(opts *Options) (Mode, error) {
	if err := LoadDefaults(opts); err != nil {
		return Smart, err
	}
	if err := Validate(opts); err != nil {
		return Smart, err
	}
	return ParseMode(opts.ModeName)
}
