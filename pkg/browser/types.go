package browser

import (
	"time"
)

const (
	// DefaultLaunchTimeout bounds browser process startup
	DefaultLaunchTimeout = 30 * time.Second

	// DefaultMaxContexts bounds concurrently open contexts
	DefaultMaxContexts = 8

	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
)

// DefaultArgs are the Chromium flags used when none are configured.
var DefaultArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-blink-features=AutomationControlled",
	"--disable-infobars",
	"--window-size=1920,1080",
}

// Launcher starts a browser process.
type Launcher interface {
	Launch(opts LaunchOptions) (Browser, error)
}

// Browser is a running browser process.
type Browser interface {
	NewContext(opts ContextOptions) (Context, error)
	Close() error
}

// Context is an isolated cookie jar and storage sandbox.
type Context interface {
	NewPage() (Page, error)
	Cookies() ([]Cookie, error)
	StorageState() (*StorageState, error)
	Close() error
}

// Page is a single tab. A page must only be driven by one caller at a
// time; use Handle.Drive.
type Page interface {
	Goto(url string, timeout time.Duration) error
	// WaitForLoad blocks until the load event fired or timeout elapsed.
	WaitForLoad(timeout time.Duration) error
	// WaitForSelector reports whether selector attached before timeout.
	WaitForSelector(selector string, timeout time.Duration) (bool, error)
	// QuerySelector returns nil without error when nothing matches.
	QuerySelector(selector string) (Element, error)
	Evaluate(script string) (any, error)
	Title() (string, error)
	URL() string
	Content() (string, error)
}

// Element is a DOM element handle.
type Element interface {
	IsVisible() (bool, error)
	TextContent() (string, error)
}

// LaunchOptions configures the browser process.
type LaunchOptions struct {
	Headless bool
	Args     []string
	Timeout  time.Duration
}

// ContextOptions configures a new context.
type ContextOptions struct {
	// StorageState seeds cookies and local storage
	StorageState *StorageState
	// SessionStorage maps an origin to the sessionStorage items replayed
	// into every page of that origin before its scripts run.
	SessionStorage map[string]map[string]string

	UserAgent string

	Viewport *Viewport
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StorageState is the serializable snapshot of a context: cookies plus
// per-origin local storage. The JSON layout matches Playwright's.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Cookie is a browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Origin holds the local storage entries of one origin.
type Origin struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// NameValue is a storage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Empty reports whether the state holds no cookies and no storage.
func (s *StorageState) Empty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.Origins) == 0)
}
