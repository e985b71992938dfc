package shopify

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"
)

const shopSuffix = "myshopify.com"

// Config is the per workspace Shopify configuration.
type Config struct {
	// Shop is the store handle or its full myshopify.com domain.
	Shop string `json:"shop"`
	// APIBase overrides the derived admin API root.
	APIBase string `json:"api_base"`
}

// ConfigFromMap reads the connector config stored in ConnectorState.
func ConfigFromMap(m map[string]any) Config {
	var c Config
	c.Shop, _ = m["shop"].(string)
	c.APIBase, _ = m["api_base"].(string)
	return c.Normalized()
}

// Normalized returns a copy with whitespace trimmed and the shop expanded to
// a full domain.
func (c Config) Normalized() Config {
	out := c
	out.Shop = strings.ToLower(strings.TrimSpace(out.Shop))
	out.Shop = strings.TrimPrefix(out.Shop, "https://")
	out.Shop = strings.TrimSuffix(out.Shop, "/")
	if out.Shop != "" && !strings.Contains(out.Shop, ".") {
		out.Shop += "." + shopSuffix
	}
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	return out
}

// Validate rejects anything that is not exactly one label under
// myshopify.com.
func (c Config) Validate() error {
	c = c.Normalized()
	if c.APIBase != "" {
		return nil
	}
	if c.Shop == "" {
		return errors.New("shopify shop is required")
	}
	suffix, _ := publicsuffix.PublicSuffix(c.Shop)
	if suffix != shopSuffix {
		return fmt.Errorf("shopify shop %q is not a %s domain", c.Shop, shopSuffix)
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(c.Shop)
	if err != nil || etld1 != c.Shop {
		return fmt.Errorf("shopify shop %q is not a store domain", c.Shop)
	}
	return nil
}

// Handle returns the store name without the domain suffix.
func (c Config) Handle() string {
	return strings.TrimSuffix(c.Normalized().Shop, "."+shopSuffix)
}
