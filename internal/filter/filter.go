// Package filter decides which URLs are admitted into the crawl frontier.
package filter

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
)

// Classification describes a URL without deciding its fate.
type Classification struct {
	Domain        string
	IsUniversity  bool
	IsWhitelisted bool
	IsBlacklisted bool
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Stats is a snapshot of admission counters.
type Stats struct {
	TotalChecked    int64
	Allowed         int64
	Blocked         int64
	BlockedByReason map[string]int64
}

// Filter evaluates URLs against host, path, extension, and length rules.
type Filter struct {
	cfg     config.FilterConfig
	include []*regexp.Regexp
	exclude []*regexp.Regexp

	mu       sync.Mutex
	checked  int64
	allowed  int64
	blocked  int64
	byReason map[string]int64
}

// New compiles the optional URL patterns and returns a ready filter.
func New(cfg config.FilterConfig) (*Filter, error) {
	include, err := compilePatterns(cfg.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exclude, err := compilePatterns(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &Filter{
		cfg:      cfg,
		include:  include,
		exclude:  exclude,
		byReason: make(map[string]int64),
	}, nil
}

// Classify inspects a URL without advancing any counters.
func (f *Filter) Classify(raw string) Classification {
	var c Classification
	parsed, err := url.Parse(raw)
	if err != nil {
		return c
	}
	host := strings.ToLower(parsed.Hostname())
	c.Domain = host
	if host == "" {
		return c
	}
	for _, suffix := range f.cfg.UniversitySuffixes {
		if strings.HasSuffix(host, suffix) {
			c.IsUniversity = true
			break
		}
	}
	c.IsWhitelisted = hostListed(host, f.cfg.Whitelist)
	c.IsBlacklisted = hostListed(host, f.cfg.Blacklist)
	return c
}

// Allow applies the admission rules in order and records the decision.
// seedHost restricts admission to the seed's host (or its subdomain family
// when allowSubdomains is set); pass "" to skip the same-host rule.
func (f *Filter) Allow(raw, seedHost string, allowSubdomains bool) Decision {
	d := f.decide(raw, seedHost, allowSubdomains)
	f.record(d)
	return d
}

func (f *Filter) decide(raw, seedHost string, allowSubdomains bool) Decision {
	if len(raw) > f.cfg.MaxURLLength {
		return Decision{Reason: "url-too-long"}
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return Decision{Reason: "unparseable"}
	}
	host := strings.ToLower(parsed.Hostname())

	if hostListed(host, f.cfg.Blacklist) {
		return Decision{Reason: "blacklisted"}
	}

	path := strings.ToLower(parsed.Path)
	for _, ext := range f.cfg.SkipExtensions {
		if strings.HasSuffix(path, ext) {
			return Decision{Reason: "skipped-extension"}
		}
	}
	for _, prefix := range f.cfg.BlockedPaths {
		if prefix != "" && strings.HasPrefix(parsed.Path, prefix) {
			return Decision{Reason: "blocked-path"}
		}
	}

	if !f.matchPatterns(raw) {
		return Decision{Reason: "pattern"}
	}

	if hostListed(host, f.cfg.Whitelist) {
		return Decision{Allowed: true}
	}

	if seedHost != "" {
		seedHost = strings.ToLower(seedHost)
		if host != seedHost {
			if !allowSubdomains || !subdomainOf(host, seedHost) {
				return Decision{Reason: "off-host"}
			}
		}
		return Decision{Allowed: true}
	}

	if f.cfg.StrictUniversity {
		for _, suffix := range f.cfg.UniversitySuffixes {
			if strings.HasSuffix(host, suffix) {
				return Decision{Allowed: true}
			}
		}
		return Decision{Reason: "not-university"}
	}

	return Decision{Allowed: true}
}

func (f *Filter) matchPatterns(raw string) bool {
	if len(f.include) > 0 {
		matched := false
		for _, pat := range f.include {
			if pat.MatchString(raw) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pat := range f.exclude {
		if pat.MatchString(raw) {
			return false
		}
	}
	return true
}

func (f *Filter) record(d Decision) {
	f.mu.Lock()
	f.checked++
	if d.Allowed {
		f.allowed++
	} else {
		f.blocked++
		f.byReason[d.Reason]++
	}
	f.mu.Unlock()
}

// Stats returns a copy of the current counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	byReason := make(map[string]int64, len(f.byReason))
	for k, v := range f.byReason {
		byReason[k] = v
	}
	return Stats{
		TotalChecked:    f.checked,
		Allowed:         f.allowed,
		Blocked:         f.blocked,
		BlockedByReason: byReason,
	}
}

// hostListed reports whether host matches an entry exactly or is a
// subdomain of one ("x.blocked.com" matches "blocked.com").
func hostListed(host string, list []string) bool {
	for _, entry := range list {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// subdomainOf reports a mutual suffix relationship between two hosts.
func subdomainOf(a, b string) bool {
	return strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		pat, err := regexp.Compile(raw)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, pat)
	}
	return compiled, nil
}
