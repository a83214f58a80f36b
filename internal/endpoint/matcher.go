package endpoint

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Filter matches an Endpoint against zero or more predicates. All
// predicates that are set must match (a filter's predicates are
// AND-ed together); an unset predicate is ignored.
type Filter struct {
	Domain      string
	DomainRegex string
	Port        uint16

	// hasPort distinguishes "port: 0" (never valid for a real
	// endpoint, but kept explicit) from "no port predicate".
	hasPort     bool
	domainRegex *regexp.Regexp
}

// compile pattern for serde's private fields after JSON decode.
func (f *Filter) compile() error {
	if f.DomainRegex != "" {
		re, err := regexp.Compile(f.DomainRegex)
		if err != nil {
			return fmt.Errorf("endpoint: invalid domain_regex %q: %w", f.DomainRegex, err)
		}
		f.domainRegex = re
	}
	return nil
}

// Matches reports whether e satisfies every predicate set on f.
func (f *Filter) Matches(e Endpoint) bool {
	if f.Domain != "" && f.Domain != e.Host {
		return false
	}
	if f.domainRegex != nil && !f.domainRegex.MatchString(e.Host) {
		return false
	}
	if f.hasPort && f.Port != e.Port {
		return false
	}
	return true
}

// UnmarshalJSON decodes {"domain":..., "domain_regex":..., "port":...}
// and compiles the regex predicate, if any.
func (f *Filter) UnmarshalJSON(b []byte) error {
	var v struct {
		Domain      string  `json:"domain"`
		DomainRegex string  `json:"domain_regex"`
		Port        *uint16 `json:"port"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.Domain = v.Domain
	f.DomainRegex = v.DomainRegex
	if v.Port != nil {
		f.hasPort = true
		f.Port = *v.Port
	}
	return f.compile()
}

// Matcher evaluates an endpoint against an ordered list of Filters.
// An empty matcher (no filters at all) matches everything, matching
// the "dst_filters: []" semantics for http_proxy/socks5 ingress
// ("route everything through the tunnel").
type Matcher struct {
	filters []Filter
}

// NewMatcher compiles filters into a reusable Matcher.
func NewMatcher(filters []Filter) (*Matcher, error) {
	m := &Matcher{filters: make([]Filter, len(filters))}
	for i := range filters {
		f := filters[i]
		if err := f.compile(); err != nil {
			return nil, err
		}
		m.filters[i] = f
	}
	return m, nil
}

// Matches reports true iff e satisfies every predicate of at least
// one filter in the list, or the filter list is empty.
func (m *Matcher) Matches(e Endpoint) bool {
	if len(m.filters) == 0 {
		return true
	}
	for i := range m.filters {
		if m.filters[i].Matches(e) {
			return true
		}
	}
	return false
}
