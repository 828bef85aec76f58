package catalog

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Source is an upstream system that can raise events.
type Source struct {
	URL  string `mapstructure:"url" json:"url"`
	Name string `mapstructure:"name" json:"name"`
}

// Catalog is the versioned set of recognized source systems and event types.
type Catalog struct {
	Version    string   `mapstructure:"version" json:"version"`
	Sources    []Source `mapstructure:"sources" json:"sources"`
	EventTypes []string `mapstructure:"event_types" json:"eventTypes"`
}

// Default returns the catalog the dashboard ships with.
func Default() *Catalog {
	return &Catalog{
		Version: "2024-01",
		Sources: []Source{
			{URL: "https://api.stripe.com", Name: "stripe"},
			{URL: "https://api.shopify.com", Name: "shopify"},
			{URL: "https://api.razorpay.com", Name: "razorpay"},
			{URL: "https://api.github.com", Name: "github"},
			{URL: "https://slack.com/api", Name: "slack"},
		},
		EventTypes: []string{"order.created", "order.cancelled", "user.updated", "payment.failed"},
	}
}

// Load reads a catalog file (yaml, json or toml, by extension). An empty path yields Default.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var c Catalog
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if err := c.normalize(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return &c, nil
}

func (c *Catalog) normalize() error {
	for i := range c.Sources {
		c.Sources[i].URL = strings.TrimSpace(c.Sources[i].URL)
		c.Sources[i].Name = strings.TrimSpace(c.Sources[i].Name)
	}
	for i := range c.EventTypes {
		c.EventTypes[i] = strings.TrimSpace(c.EventTypes[i])
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("no sources defined")
	}
	if len(c.EventTypes) == 0 {
		return fmt.Errorf("no event types defined")
	}
	if c.Version == "" {
		c.Version = "unversioned"
	}
	return nil
}

// HasSource reports whether url is a recognized source system.
func (c *Catalog) HasSource(url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}
	for _, s := range c.Sources {
		if s.URL == url {
			return true
		}
	}
	return false
}

// HasEventType reports whether t is a recognized event type.
func (c *Catalog) HasEventType(t string) bool {
	t = strings.TrimSpace(t)
	if t == "" {
		return false
	}
	for _, et := range c.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// SourceURLs returns the recognized source URLs in catalog order.
func (c *Catalog) SourceURLs() []string {
	out := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.URL)
	}
	return out
}
