package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/embersync/embersync/emby"
	apperrors "github.com/embersync/embersync/internal/errors"
	"github.com/embersync/embersync/internal/models"
)

const (
	// probeTimeout bounds a single candidate probe.
	probeTimeout = 15 * time.Second

	// Stagger delays bias the race toward the most likely-fast path
	// while still letting a slower path win if the faster one fails.
	localDelay  = 0
	manualDelay = 100 * time.Millisecond
	remoteDelay = 200 * time.Millisecond
)

// candidate is one address in the probe race.
type candidate struct {
	address string
	mode    models.ConnectionMode
	delay   time.Duration
}

// ProbeResult is the winning address of a probe race together with the
// server's public info.
type ProbeResult struct {
	Address string
	Mode    models.ConnectionMode
	Info    emby.PublicSystemInfo
}

// Prober races HTTP probes against a server record's candidate
// addresses. First success wins; the race fails only once every
// candidate has failed.
type Prober struct {
	http         *http.Client
	clk          clock.Clock
	logger       *slog.Logger
	requireHTTPS bool
}

// NewProber creates a Prober. A nil httpClient uses a default client;
// a nil clk uses the real clock.
func NewProber(httpClient *http.Client, clk clock.Clock, requireHTTPS bool, logger *slog.Logger) *Prober {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Prober{
		http:         httpClient,
		clk:          clk,
		logger:       logger,
		requireHTTPS: requireHTTPS,
	}
}

// candidates builds the deduplicated ordered candidate list for a
// record. Manual-only records are restricted to the manual address, and
// the insecure-address policy drops plain-http candidates.
func (p *Prober) candidates(rec models.ServerRecord) []candidate {
	ordered := []candidate{
		{address: rec.LocalAddress, mode: models.ModeLocal, delay: localDelay},
		{address: rec.ManualAddress, mode: models.ModeManual, delay: manualDelay},
		{address: rec.RemoteAddress, mode: models.ModeRemote, delay: remoteDelay},
	}

	seen := make(map[string]struct{})

	var out []candidate
	for _, c := range ordered {
		if c.address == "" {
			continue
		}
		if rec.ManualAddressOnly && c.mode != models.ModeManual {
			continue
		}

		c.address = strings.TrimRight(c.address, "/")
		if p.requireHTTPS && !strings.HasPrefix(c.address, "https://") {
			p.logger.Debug("skipping insecure address", slog.String("address", c.address))
			continue
		}

		if _, dup := seen[strings.ToLower(c.address)]; dup {
			continue
		}
		seen[strings.ToLower(c.address)] = struct{}{}

		out = append(out, c)
	}

	return out
}

// Probe races all candidate addresses of a record. Each candidate is
// dispatched after its stagger delay; the first success wins and the
// remaining probes are abandoned (their results ignored). Returns
// ErrNoAddresses when the record yields no candidates.
func (p *Prober) Probe(ctx context.Context, rec models.ServerRecord) (*ProbeResult, error) {
	cands := p.candidates(rec)
	if len(cands) == 0 {
		return nil, apperrors.ErrNoAddresses
	}

	// The round context reins in losing probes once a winner is found.
	// Cancelling them is a resource-hygiene choice only; the race result
	// is decided before the cancellation takes effect.
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result *ProbeResult
		err    error
	}

	results := make(chan outcome, len(cands))

	for _, c := range cands {
		go func(c candidate) {
			if c.delay > 0 {
				timer := p.clk.Timer(c.delay)
				select {
				case <-timer.C:
				case <-roundCtx.Done():
					timer.Stop()
					results <- outcome{err: roundCtx.Err()}
					return
				}
			}

			info, err := p.probeOne(roundCtx, c.address)
			if err != nil {
				p.logger.Debug("address probe failed",
					slog.String("address", c.address),
					slog.String("error", err.Error()),
				)
				results <- outcome{err: err}
				return
			}

			results <- outcome{result: &ProbeResult{Address: c.address, Mode: c.mode, Info: *info}}
		}(c)
	}

	// Any-resolve-or-all-fail: a candidate failure must not short-circuit
	// a later success, so collect until one wins or all have failed.
	var lastErr error
	for range cands {
		o := <-results
		if o.err == nil {
			p.logger.Debug("address probe succeeded",
				slog.String("address", o.result.Address),
				slog.String("mode", string(o.result.Mode)),
			)
			return o.result, nil
		}
		lastErr = o.err
	}

	if errors.Is(lastErr, context.Canceled) && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return nil, fmt.Errorf("%w: all addresses failed: %v", apperrors.ErrUnavailable, lastErr)
}

// probeOne issues the unauthenticated public-info probe against one
// address.
func (p *Prober) probeOne(ctx context.Context, address string) (*emby.PublicSystemInfo, error) {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, address+"/system/info/public", nil)
	if err != nil {
		return nil, fmt.Errorf("creating probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &apperrors.HTTPError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading probe response: %w", err)
	}

	var info emby.PublicSystemInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding probe response: %w", err)
	}

	return &info, nil
}
