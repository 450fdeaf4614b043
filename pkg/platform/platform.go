// Package platform loads the per-platform signal table: login and probe
// URLs, selector lists and URL/title patterns. The authorization code is
// driven entirely by this table and never branches on a platform ID.
package platform

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/authkeeper/pkg/autherr"
)

//go:embed platforms.yaml
var defaultTable []byte

// Kind groups platforms by purpose.
type Kind string

const (
	KindContent Kind = "content"
	KindAI      Kind = "ai"
)

// Defaults are merged into every platform entry.
type Defaults struct {
	WaitSelector           string   `yaml:"wait_selector"`
	LoginIndicators        []string `yaml:"login_indicators"`
	MonitorLoginIndicators []string `yaml:"monitor_login_indicators"`
	ErrorIndicators        []string `yaml:"error_indicators"`
	LoginRedirectPatterns  []string `yaml:"login_redirect_patterns"`
	LoginTitlePatterns     []string `yaml:"login_title_patterns"`
	UsernameSelectors      []string `yaml:"username_selectors"`
}

// Platform is one site's configuration after merging defaults.
type Platform struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Kind     Kind   `yaml:"kind"`
	LoginURL string `yaml:"login_url"`
	// ProbeURL is a page only reachable when signed in
	ProbeURL string `yaml:"probe_url"`

	// LoginIndicators imply "not signed in" wherever they appear.
	LoginIndicators []string `yaml:"login_indicators"`
	// MonitorLoginIndicators are additionally checked while a human is
	// signing in: credential inputs that vanish once login succeeds.
	MonitorLoginIndicators []string `yaml:"monitor_login_indicators"`
	ErrorIndicators        []string `yaml:"error_indicators"`
	// AuthIndicators only exist for a signed-in user.
	AuthIndicators    []string `yaml:"auth_indicators"`
	UsernameSelectors []string `yaml:"username_selectors"`
	WaitSelector      string   `yaml:"wait_selector"`

	LoginRedirectPatterns []string `yaml:"login_redirect_patterns"`
	LoginTitlePatterns    []string `yaml:"login_title_patterns"`

	// Zero means the caller's default.
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`

	redirects []*regexp.Regexp
	titles    []*regexp.Regexp
}

type file struct {
	Defaults  Defaults    `yaml:"defaults"`
	Platforms []*Platform `yaml:"platforms"`
}

// Table is an immutable, ID-indexed set of platforms.
type Table struct {
	byID  map[string]*Platform
	order []string
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("platform: embedded table is invalid: %v", err))
	}
	return t
}

// Load reads a table from a YAML file. An empty path yields the embedded table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform table: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML table.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode platform table: %w", err)
	}

	t := &Table{byID: make(map[string]*Platform, len(f.Platforms))}
	for _, p := range f.Platforms {
		if p.ID == "" {
			return nil, fmt.Errorf("platform entry without id")
		}
		if _, dup := t.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate platform %q", p.ID)
		}
		if p.LoginURL == "" {
			return nil, fmt.Errorf("platform %q: login_url is required", p.ID)
		}
		if err := p.merge(f.Defaults); err != nil {
			return nil, fmt.Errorf("platform %q: %w", p.ID, err)
		}
		t.byID[p.ID] = p
		t.order = append(t.order, p.ID)
	}
	sort.Strings(t.order)
	return t, nil
}

func (p *Platform) merge(d Defaults) error {
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Kind == "" {
		p.Kind = KindContent
	}
	if p.ProbeURL == "" {
		p.ProbeURL = p.LoginURL
	}
	if p.WaitSelector == "" {
		p.WaitSelector = d.WaitSelector
	}

	p.LoginIndicators = union(d.LoginIndicators, p.LoginIndicators)
	p.MonitorLoginIndicators = union(p.LoginIndicators, d.MonitorLoginIndicators, p.MonitorLoginIndicators)
	p.ErrorIndicators = union(d.ErrorIndicators, p.ErrorIndicators)
	p.LoginTitlePatterns = union(d.LoginTitlePatterns, p.LoginTitlePatterns)
	// Platform-specific redirect patterns replace the generic ones
	if len(p.LoginRedirectPatterns) == 0 {
		p.LoginRedirectPatterns = append([]string(nil), d.LoginRedirectPatterns...)
	}
	if len(p.UsernameSelectors) == 0 {
		p.UsernameSelectors = append([]string(nil), d.UsernameSelectors...)
	}

	var err error
	if p.redirects, err = compile(p.LoginRedirectPatterns); err != nil {
		return err
	}
	if p.titles, err = compile(p.LoginTitlePatterns); err != nil {
		return err
	}
	return nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pat, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func union(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Get looks a platform up by ID.
func (t *Table) Get(id string) (*Platform, error) {
	p, ok := t.byID[id]
	if !ok {
		return nil, autherr.Newf(autherr.CodeUnknownPlatform, "unknown platform %q", id).With("platform", id)
	}
	return p, nil
}

// Has reports whether id is configured.
func (t *Table) Has(id string) bool {
	_, ok := t.byID[id]
	return ok
}

// IDs returns all platform IDs sorted.
func (t *Table) IDs() []string {
	return append([]string(nil), t.order...)
}

// Match returns the platforms whose ID matches a glob such as "wei*".
func (t *Table) Match(pattern string) ([]*Platform, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInvalidParams, err, fmt.Sprintf("invalid platform pattern %q", pattern))
	}
	var out []*Platform
	for _, id := range t.order {
		if g.Match(id) {
			out = append(out, t.byID[id])
		}
	}
	return out, nil
}

// IsLoginRedirect reports whether url looks like this platform's sign-in page.
func (p *Platform) IsLoginRedirect(url string) bool {
	for _, re := range p.redirects {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// HasLoginTitle reports whether a page title looks like a sign-in page.
func (p *Platform) HasLoginTitle(title string) bool {
	for _, re := range p.titles {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}

// Timeout returns the platform override or fallback.
func (p *Platform) Timeout(fallback time.Duration) time.Duration {
	if p.NavigationTimeout > 0 {
		return p.NavigationTimeout
	}
	return fallback
}

// HeartbeatTimeout returns the probe navigation override or fallback.
func (p *Platform) HeartbeatTimeout(fallback time.Duration) time.Duration {
	if p.ProbeTimeout > 0 {
		return p.ProbeTimeout
	}
	return fallback
}
