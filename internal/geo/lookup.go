package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortexa/loginguard/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Intel is the combined geolocation and threat-intel answer for one address.
type Intel struct {
	IP        string              `json:"ip"`
	Location  *models.GeoLocation `json:"location,omitempty"`
	Verdict   Verdict             `json:"verdict"`
	CheckedAt time.Time           `json:"checked_at"`
}

// Service resolves addresses with a bounded timeout, deduplicating concurrent
// lookups of the same address and caching complete answers.
type Service struct {
	resolver Resolver
	intel    *ThreatIntel
	cache    Cache
	timeout  time.Duration
	ttl      time.Duration
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires a lookup service. resolver and intel may be nil; cache may be nil.
func NewService(resolver Resolver, intel *ThreatIntel, cache Cache, timeout, ttl time.Duration, logger *slog.Logger) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	return &Service{
		resolver: resolver,
		intel:    intel,
		cache:    cache,
		timeout:  timeout,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// Lookup returns what is known about ip. It never blocks longer than the
// configured timeout; a caller whose ctx ends first gets ErrLookupFailed.
func (s *Service) Lookup(ctx context.Context, ip string) (*Intel, error) {
	cached, ok, err := s.cache.Get(ctx, ip)
	if err != nil {
		s.logger.Warn("threat intel cache read failed", slog.String("ip", ip), slog.Any("error", err))
	} else if ok {
		return cached, nil
	}

	ch := s.group.DoChan(ip, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.lookup(lctx, ip)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", models.ErrLookupFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Intel), nil
	}
}

func (s *Service) lookup(ctx context.Context, ip string) (*Intel, error) {
	in := &Intel{IP: ip, CheckedAt: s.now()}

	var geoErr, intelErr error
	var g errgroup.Group
	if s.resolver != nil {
		g.Go(func() error {
			in.Location, geoErr = s.resolver.Resolve(ctx, ip)
			return nil
		})
	}
	if s.intel != nil {
		g.Go(func() error {
			in.Verdict, intelErr = s.intel.Check(ctx, ip)
			return nil
		})
	}
	_ = g.Wait()

	if in.Location != nil && in.Verdict.TorExit {
		in.Location.IsTor = true
	}

	if geoErr != nil || intelErr != nil {
		err := errors.Join(geoErr, intelErr)
		if in.Location == nil && len(in.Verdict.Sources) == 0 && (s.intel == nil || intelErr != nil) {
			return nil, fmt.Errorf("%w: %v", models.ErrLookupFailed, err)
		}
		// Partial answers are used but not cached.
		s.logger.Warn("threat intel lookup incomplete", slog.String("ip", ip), slog.Any("error", err))
		return in, nil
	}

	if err := s.cache.Set(ctx, ip, in, s.ttl); err != nil {
		s.logger.Warn("threat intel cache write failed", slog.String("ip", ip), slog.Any("error", err))
	}
	return in, nil
}

// Invalidate drops the cached answer for ip.
func (s *Service) Invalidate(ctx context.Context, ip string) error {
	return s.cache.Delete(ctx, ip)
}
