package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the static description of what each provider offers. It replaces the
// per-provider JSON listings the API used to ship with.
type Catalog struct {
	Providers map[string]ProviderCatalog `yaml:"providers"`
	DNSZones  []DNSZone                  `yaml:"dns_zones"`
}

type ProviderCatalog struct {
	Regions []Region `yaml:"regions"`
}

type Region struct {
	Name  string `yaml:"name"`
	Zones []Zone `yaml:"zones"`
}

type Zone struct {
	Name          string   `yaml:"name"`
	InstanceTypes []string `yaml:"instance_types"`
	Image         string   `yaml:"image"`
	Subnet        string   `yaml:"subnet"`
	SecurityGroup string   `yaml:"security_group"`
}

// DNSZone is a root zone instances can be published under. Driver selects who owns
// the zone: "aws" (Route53) or "cloudflare".
type DNSZone struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
}

// LoadCatalog parses the YAML catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderCatalog{}
	}
	for name, p := range c.Providers {
		for _, r := range p.Regions {
			if r.Name == "" {
				return nil, fmt.Errorf("provider %s: region without name", name)
			}
			for _, z := range r.Zones {
				if len(z.InstanceTypes) == 0 {
					return nil, fmt.Errorf("provider %s: zone %s/%s lists no instance types", name, r.Name, z.Name)
				}
			}
		}
	}
	return &c, nil
}

// Region returns the named region of provider.
func (c *Catalog) Region(provider, region string) (*Region, bool) {
	p, ok := c.Providers[provider]
	if !ok {
		return nil, false
	}
	for i := range p.Regions {
		if p.Regions[i].Name == region {
			return &p.Regions[i], true
		}
	}
	return nil, false
}

// Zone returns the named zone of provider/region.
func (c *Catalog) Zone(provider, region, zone string) (*Zone, bool) {
	r, ok := c.Region(provider, region)
	if !ok {
		return nil, false
	}
	for i := range r.Zones {
		if r.Zones[i].Name == zone {
			return &r.Zones[i], true
		}
	}
	return nil, false
}

// RegionNames lists the regions of provider in catalog order.
func (c *Catalog) RegionNames(provider string) []string {
	var names []string
	for _, r := range c.Providers[provider].Regions {
		names = append(names, r.Name)
	}
	return names
}

// InstanceTypes lists the types available in provider/region/zone, first one being
// the default.
func (c *Catalog) InstanceTypes(provider, region, zone string) []string {
	z, ok := c.Zone(provider, region, zone)
	if !ok {
		return nil
	}
	return z.InstanceTypes
}

// ZoneNames returns the configured DNS zones, merged with extra (environment) zones.
func (c *Catalog) ZoneNames(extra []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, z := range c.DNSZones {
		if !seen[z.Name] {
			seen[z.Name] = true
			out = append(out, z.Name)
		}
	}
	for _, z := range extra {
		if !seen[z] {
			seen[z] = true
			out = append(out, z)
		}
	}
	return out
}

// DNSDriver returns the driver owning zone, "cloudflare" when undeclared.
func (c *Catalog) DNSDriver(zone string) string {
	for _, z := range c.DNSZones {
		if z.Name == zone && z.Driver != "" {
			return z.Driver
		}
	}
	return "cloudflare"
}
