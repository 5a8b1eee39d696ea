package model

import (
    "encoding/json"
    "fmt"
    "time"
)

// LayoutKey is the theme asset holding the storefront's site-wide layout.
const LayoutKey = "layout/theme.liquid"

// RoleMain marks the published theme of a shop.
const RoleMain = "main"

// ThemeID is opaque. The Admin API sends numbers, but string ids are
// accepted as well.
type ThemeID string

func (id *ThemeID) UnmarshalJSON(b []byte) error {
    if len(b) > 0 && b[0] == '"' {
        var s string
        if err := json.Unmarshal(b, &s); err != nil {
            return err
        }
        *id = ThemeID(s)
        return nil
    }
    var n json.Number
    if err := json.Unmarshal(b, &n); err != nil {
        return err
    }
    *id = ThemeID(n.String())
    return nil
}

type Theme struct {
    ID   ThemeID `json:"id"`
    Name string  `json:"name"`
    Role string  `json:"role"`
}

type Asset struct {
    Key   string `json:"key"`
    Value string `json:"value"`
}

// Settings are the merchant-facing optimization toggles. They are rendered
// into the injected script and drive the server-side preview.
type Settings struct {
    EnableImageOptimization bool `json:"enableImageOptimization"`
    EnableLazyLoading       bool `json:"enableLazyLoading"`
    EnableCaching           bool `json:"enableCaching"`
    ImageQuality            int  `json:"imageQuality"`
    CacheExpiration         int  `json:"cacheExpiration"` // seconds
    MinifyCSS               bool `json:"minifyCSS"`
    MinifyJS                bool `json:"minifyJS"`
    DeferNonCriticalCSS     bool `json:"deferNonCriticalCSS"`
}

func DefaultSettings() Settings {
    return Settings{
        EnableImageOptimization: true,
        EnableLazyLoading:       true,
        EnableCaching:           true,
        ImageQuality:            80,
        CacheExpiration:         3600,
        MinifyCSS:               true,
        MinifyJS:                true,
        DeferNonCriticalCSS:     true,
    }
}

// CacheControl is the Cache-Control value advertised for static assets.
func (s Settings) CacheControl() string {
    return fmt.Sprintf("public, max-age=%d, immutable", s.CacheExpiration)
}

// SettingsPatch is a partial Settings update. Nil fields keep their current
// value.
type SettingsPatch struct {
    EnableImageOptimization *bool `json:"enableImageOptimization,omitempty"`
    EnableLazyLoading       *bool `json:"enableLazyLoading,omitempty"`
    EnableCaching           *bool `json:"enableCaching,omitempty"`
    ImageQuality            *int  `json:"imageQuality,omitempty"`
    CacheExpiration         *int  `json:"cacheExpiration,omitempty"`
    MinifyCSS               *bool `json:"minifyCSS,omitempty"`
    MinifyJS                *bool `json:"minifyJS,omitempty"`
    DeferNonCriticalCSS     *bool `json:"deferNonCriticalCSS,omitempty"`
}

// Apply returns s with the fields set in p replaced.
func (p SettingsPatch) Apply(s Settings) Settings {
    setBool := func(dst *bool, v *bool) {
        if v != nil {
            *dst = *v
        }
    }
    setInt := func(dst *int, v *int) {
        if v != nil {
            *dst = *v
        }
    }
    setBool(&s.EnableImageOptimization, p.EnableImageOptimization)
    setBool(&s.EnableLazyLoading, p.EnableLazyLoading)
    setBool(&s.EnableCaching, p.EnableCaching)
    setInt(&s.ImageQuality, p.ImageQuality)
    setInt(&s.CacheExpiration, p.CacheExpiration)
    setBool(&s.MinifyCSS, p.MinifyCSS)
    setBool(&s.MinifyJS, p.MinifyJS)
    setBool(&s.DeferNonCriticalCSS, p.DeferNonCriticalCSS)
    return s
}

type Scores struct {
    Performance   int `json:"performance"`
    Accessibility int `json:"accessibility"`
    SEO           int `json:"seo"`
    BestPractices int `json:"bestPractices"`
}

type PageMetrics struct {
    FirstContentfulPaint   string `json:"firstContentfulPaint"`
    LargestContentfulPaint string `json:"largestContentfulPaint"`
    CumulativeLayoutShift  string `json:"cumulativeLayoutShift"`
    TimeToFirstByte        string `json:"timeToFirstByte"`
}

type PageReport struct {
    URL         string      `json:"url"`
    Score       Scores      `json:"score"`
    Metrics     PageMetrics `json:"metrics"`
    Suggestions []string    `json:"suggestions"`
}

type Metrics struct {
    AveragePageLoadTime string `json:"averagePageLoadTime"`
    AveragePageSize     string `json:"averagePageSize"`
    AverageRequestCount int    `json:"averageRequestCount"`
    Performance         int    `json:"performance"`
    LastUpdated         string `json:"lastUpdated"`
}

// AuditRecord captures one install, uninstall or status run against a shop.
type AuditRecord struct {
    ID        string    `json:"id"`
    Timestamp time.Time `json:"timestamp"`
    Shop      string    `json:"shop,omitempty"`
    Action    string    `json:"action"`
    Outcome   string    `json:"outcome"`
    OK        bool      `json:"ok"`
    ThemeID   string    `json:"theme_id,omitempty"`
    Placement string    `json:"placement,omitempty"`
    Blocks    int       `json:"blocks"`
    Error     string    `json:"error,omitempty"`
}

type EventType string

const (
    EventScript   EventType = "script"
    EventSettings EventType = "settings"
)

// Event is pushed to websocket subscribers.
type Event struct {
    Type EventType       `json:"type"`
    Time time.Time       `json:"time"`
    Data json.RawMessage `json:"data,omitempty"`
}
