package http

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var errInternalTarget = errors.New("refusing internal address")

const maxDownloadRedirects = 5

// fetchGuard decides whether the download proxy may connect to addr.
type fetchGuard func(addr netip.AddrPort) error

// refuseInternal is the default fetchGuard.
func refuseInternal(addr netip.AddrPort) error {
	if internalAddr(addr.Addr()) {
		return fmt.Errorf("%w: %s", errInternalTarget, addr)
	}
	return nil
}

func internalAddr(a netip.Addr) bool {
	a = a.Unmap()
	return !a.IsValid() || a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsMulticast() || a.IsUnspecified()
}

// literalTarget returns the address of a URL whose host is an IP literal.
// Named hosts are only known after resolution and are checked at dial time.
func literalTarget(host, port, scheme string) (netip.AddrPort, bool) {
	a, err := netip.ParseAddr(strings.TrimSuffix(host, "."))
	if err != nil {
		return netip.AddrPort{}, false
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		p = 80
		if scheme == "https" {
			p = 443
		}
	}
	return netip.AddrPortFrom(a, uint16(p)), true
}

// guardDial returns a net.Dialer Control hook. It runs after DNS resolution,
// for every connection including those made while following redirects.
func guardDial(guard fetchGuard) func(network, address string, _ syscall.RawConn) error {
	return func(network, address string, _ syscall.RawConn) error {
		ap, err := netip.ParseAddrPort(address)
		if err != nil {
			return fmt.Errorf("download: unexpected dial address %q: %w", address, err)
		}
		return guard(ap)
	}
}

// newFetchClient returns the client used by /download_media.
func newFetchClient(guard fetchGuard) *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: guardDial(guard),
	}
	transport := &http.Transport{
		Proxy:                 nil, // the guard must see the real target
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Timeout:   15 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxDownloadRedirects {
				return fmt.Errorf("download: stopped after %d redirects", len(via))
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("download: redirect to %s scheme", req.URL.Scheme)
			}
			return nil
		},
	}
}
