package endpoint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatcherEmptyMatchesEverything(t *testing.T) {
	m, err := NewMatcher(nil)
	require.NoError(t, err)
	require.True(t, m.Matches(New("anything.example", 1)))
	require.True(t, m.Matches(New("", 0)))
}

func TestMatcherDomainFilter(t *testing.T) {
	m, err := NewMatcher([]Filter{{Domain: "example.com"}})
	require.NoError(t, err)
	require.True(t, m.Matches(New("example.com", 443)))
	require.False(t, m.Matches(New("other.com", 443)))
}

func TestMatcherDomainRegexFilter(t *testing.T) {
	m, err := NewMatcher([]Filter{{DomainRegex: `^.*\.example\.com$`}})
	require.NoError(t, err)
	require.True(t, m.Matches(New("api.example.com", 443)))
	require.False(t, m.Matches(New("example.com", 443)))
}

func TestMatcherPortFilterANDedWithDomain(t *testing.T) {
	port := uint16(443)
	m, err := NewMatcher([]Filter{{Domain: "example.com", Port: port, hasPort: true}})
	require.NoError(t, err)
	require.True(t, m.Matches(New("example.com", 443)))
	require.False(t, m.Matches(New("example.com", 80)))
	require.False(t, m.Matches(New("other.com", 443)))
}

func TestMatcherMultipleFiltersAreORed(t *testing.T) {
	m, err := NewMatcher([]Filter{
		{Domain: "a.example"},
		{Domain: "b.example"},
	})
	require.NoError(t, err)
	require.True(t, m.Matches(New("a.example", 1)))
	require.True(t, m.Matches(New("b.example", 1)))
	require.False(t, m.Matches(New("c.example", 1)))
}

func TestMatcherInvalidRegex(t *testing.T) {
	_, err := NewMatcher([]Filter{{DomainRegex: "("}})
	require.Error(t, err)
}

func TestFilterUnmarshalJSON(t *testing.T) {
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{"domain":"example.com","port":443}`), &f))
	require.True(t, f.Matches(New("example.com", 443)))
	require.False(t, f.Matches(New("example.com", 80)))
}

func TestFilterUnmarshalJSONNoPort(t *testing.T) {
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{"domain":"example.com"}`), &f))
	require.True(t, f.Matches(New("example.com", 1)))
	require.True(t, f.Matches(New("example.com", 2)))
}
