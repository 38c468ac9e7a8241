// Package connectivity reports online/offline status for the sync core.
//
// A device attached to a network without internet access must still report
// offline, so the check combines a local attachment signal with an actual
// reachability probe. Any error during the check reports offline: queuing a
// write that could have been sent is recoverable, losing one is not.
package connectivity

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Checker is the single source of truth for connectivity, consulted by every
// network-affecting operation. Implementations must be safe to call
// frequently.
type Checker interface {
	Online(ctx context.Context) bool
}

// Prober checks connectivity by probing a health endpoint over HTTP.
type Prober struct {
	probeURL string
	timeout  time.Duration
	client   *http.Client
	log      zerolog.Logger
}

// NewProber creates a Prober against probeURL (typically the API health
// endpoint) with the given probe timeout.
func NewProber(probeURL string, timeout time.Duration, log zerolog.Logger) *Prober {
	return &Prober{
		probeURL: probeURL,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// attachment is swappable for tests running without a routable interface.
var attachment = hasNetworkAttachment

// Online reports whether the device is attached to a network and the probe
// endpoint is reachable.
func (p *Prober) Online(ctx context.Context) bool {
	if !attachment() {
		p.log.Debug().Msg("no network attachment")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		p.log.Debug().Err(err).Msg("probe request build failed")
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Msg("probe failed")
		return false
	}
	resp.Body.Close()

	return resp.StatusCode < 500
}

// hasNetworkAttachment reports whether any non-loopback interface is up with
// an address assigned. Errors report no attachment.
func hasNetworkAttachment() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Static is a fixed-state Checker for tests and forced-offline modes.
type Static struct {
	IsOnline bool
}

// Online returns the fixed state.
func (s Static) Online(context.Context) bool {
	return s.IsOnline
}
