// Package eventloop decides which content event loop hosts a new pipeline and
// tracks the membership of live loops.
package eventloop

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// Key identifies a group of pipelines that share one event loop.
type Key string

// Request describes the pipeline being placed.
type Request struct {
	TopLevel id.TopLevelID
	URL      string
	// Opener is the tab whose pipelines an opened tab may share loops with.
	Opener *id.TopLevelID
}

// Policy maps a request to a group key. Shared is false when the pipeline
// must get a loop of its own.
type Policy interface {
	Name() string
	Key(Request) (key Key, shared bool)
}

// SameSite groups pipelines of one tab by registrable domain.
type SameSite struct{}

// PerTab puts every pipeline of a tab in one loop.
type PerTab struct{}

// Dedicated gives every pipeline its own loop.
type Dedicated struct{}

func (SameSite) Name() string  { return "same-site" }
func (PerTab) Name() string    { return "per-tab" }
func (Dedicated) Name() string { return "dedicated" }

// Key groups by scheme and eTLD+1 within the tab, or within the opener's tab
// for tabs opened by a document. Opaque origins (data:, about:, file:,
// unparseable URLs) never share.
func (SameSite) Key(r Request) (Key, bool) {
	site, ok := Site(r.URL)
	if !ok {
		return "", false
	}
	scope := r.TopLevel
	if r.Opener != nil {
		scope = *r.Opener
	}
	return Key(scope.String() + "|" + site), true
}

func (PerTab) Key(r Request) (Key, bool) {
	return Key(r.TopLevel.String()), true
}

func (Dedicated) Key(Request) (Key, bool) {
	return "", false
}

// ByName returns the policy configured by name.
func ByName(name string) (Policy, error) {
	switch name {
	case "same-site", "":
		return SameSite{}, nil
	case "per-tab":
		return PerTab{}, nil
	case "dedicated":
		return Dedicated{}, nil
	}
	return nil, fmt.Errorf("unknown event loop policy %q", name)
}

// Site returns "scheme://registrable-domain" for http(s) URLs.
func Site(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if net.ParseIP(host) != nil {
		return scheme + "://" + host, true
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Bare public suffixes and single-label hosts are their own site.
		domain = host
	}
	return scheme + "://" + domain, true
}
