// Package radiusadapter exposes Authenticator.VerifyUserToken over RADIUS
// PAP (SPEC_FULL.md §14): an Access-Request's User-Password attribute
// carries the credential spec.md §4.1 expects, and a post-auth policy
// check decides whether the verified user may reach the requesting NAS.
// Grounded on internal/radius/server.go and handler.go.
package radiusadapter

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"layeh.com/radius"
	"golang.org/x/time/rate"

	"github.com/totpguard/totpguard/internal/accounting"
	"github.com/totpguard/totpguard/internal/authenticator"
	"github.com/totpguard/totpguard/internal/metrics"
	"github.com/totpguard/totpguard/internal/policy"
)

// Server manages the RADIUS authentication and accounting listeners.
type Server struct {
	authAddr     string
	acctAddr     string
	sharedSecret string

	auth       *authenticator.Authenticator
	policyEng  *policy.Engine // nil disables the post-auth policy check
	accounting *accounting.Collector
	metrics    *metrics.Metrics

	// packetLimiter throttles inbound packets per source address before
	// they ever reach the authenticator, independent of and in addition
	// to Authenticator's own per-user rate limit (SPEC_FULL.md §12): a
	// flood from one NAS should not exhaust goroutines servicing every
	// other NAS's legitimate traffic.
	packetLimiter *perAddrLimiter

	authServer *radius.PacketServer
	acctServer *radius.PacketServer

	wg sync.WaitGroup
}

// Config carries the tunables for NewServer's packet-flood throttle.
type Config struct {
	AuthAddr     string
	AcctAddr     string
	SharedSecret string

	// PacketsPerSecond and Burst bound how many RADIUS packets a single
	// source address may submit; zero PacketsPerSecond disables
	// throttling entirely.
	PacketsPerSecond float64
	Burst            int
}

// NewServer creates a RADIUS adapter in front of auth. policyEng may be
// nil to skip the post-auth policy check entirely.
func NewServer(cfg Config, auth *authenticator.Authenticator, policyEng *policy.Engine, acct *accounting.Collector, m *metrics.Metrics) *Server {
	return &Server{
		authAddr:      cfg.AuthAddr,
		acctAddr:      cfg.AcctAddr,
		sharedSecret:  cfg.SharedSecret,
		auth:          auth,
		policyEng:     policyEng,
		accounting:    acct,
		metrics:       m,
		packetLimiter: newPerAddrLimiter(cfg.PacketsPerSecond, cfg.Burst),
	}
}

// staticSecretSource implements radius.SecretSource with a static shared secret.
type staticSecretSource struct {
	secret []byte
}

func (s *staticSecretSource) RADIUSSecret(ctx context.Context, remoteAddr net.Addr) ([]byte, error) {
	return s.secret, nil
}

// Start begins listening for RADIUS packets on the auth and accounting ports.
func (s *Server) Start() error {
	secretSource := &staticSecretSource{secret: []byte(s.sharedSecret)}

	h := &Handler{
		auth:          s.auth,
		policyEng:     s.policyEng,
		accounting:    s.accounting,
		metrics:       s.metrics,
		packetLimiter: s.packetLimiter,
	}

	s.authServer = &radius.PacketServer{
		Addr:         s.authAddr,
		SecretSource: secretSource,
		Handler:      radius.HandlerFunc(h.HandleAuth),
	}

	s.acctServer = &radius.PacketServer{
		Addr:         s.acctAddr,
		SecretSource: secretSource,
		Handler:      radius.HandlerFunc(h.HandleAccounting),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[radiusadapter] auth server listening on %s", s.authAddr)
		if err := s.authServer.ListenAndServe(); err != nil {
			log.Printf("[radiusadapter] auth server stopped: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[radiusadapter] accounting server listening on %s", s.acctAddr)
		if err := s.acctServer.ListenAndServe(); err != nil {
			log.Printf("[radiusadapter] accounting server stopped: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops both RADIUS listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.authServer != nil {
		if err := s.authServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("auth server shutdown: %w", err))
		}
	}
	if s.acctServer != nil {
		if err := s.acctServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("acct server shutdown: %w", err))
		}
	}

	s.wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// AuthAddr returns the authentication listen address.
func (s *Server) AuthAddr() string { return s.authAddr }

// AcctAddr returns the accounting listen address.
func (s *Server) AcctAddr() string { return s.acctAddr }

// perAddrLimiter hands out a token-bucket rate.Limiter per source
// address, lazily, so one flooding NAS can be throttled without
// penalizing every other address sharing the server.
type perAddrLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	disabled bool
}

func newPerAddrLimiter(packetsPerSecond float64, burst int) *perAddrLimiter {
	return &perAddrLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(packetsPerSecond),
		burst:    burst,
		disabled: packetsPerSecond <= 0,
	}
}

// Allow reports whether a packet from addr may proceed.
func (p *perAddrLimiter) Allow(addr string) bool {
	if p.disabled {
		return true
	}

	p.mu.Lock()
	l, ok := p.limiters[addr]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.limiters[addr] = l
	}
	p.mu.Unlock()

	return l.Allow()
}
