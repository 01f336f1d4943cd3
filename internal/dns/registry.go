// Package dns knows which root zones instances may be published under and writes
// records for the zones hosted on Cloudflare.
package dns

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/fleetforge/backend/internal/config"
)

// ErrZoneNotManaged is returned when a record is requested in a zone Cloudflare does not own.
var ErrZoneNotManaged = errors.New("zone is not managed by cloudflare")

// Records is the record-level API the registry needs.
type Records interface {
	UpsertARecord(ctx context.Context, zone, hostname, ip string) error
	DeleteARecord(ctx context.Context, zone, hostname string) error
}

// Registry lists the configured root zones and publishes records in them.
type Registry struct {
	catalog *config.Catalog
	zones   []string
	records Records
}

// NewRegistry merges the catalog zones with extra (DNS_ZONES). records may be nil when
// Cloudflare is not configured.
func NewRegistry(catalog *config.Catalog, extra []string, records Records) *Registry {
	if catalog == nil {
		catalog = &config.Catalog{}
	}
	return &Registry{
		catalog: catalog,
		zones:   catalog.ZoneNames(extra),
		records: records,
	}
}

// Zones returns the configured root zones, first one being the default.
func (r *Registry) Zones() []string {
	return append([]string(nil), r.zones...)
}

func (r *Registry) Configured() bool {
	return len(r.zones) > 0
}

func (r *Registry) Contains(zone string) bool {
	return lo.Contains(r.zones, zone)
}

// Default returns the first configured zone, empty when none is.
func (r *Registry) Default() string {
	if len(r.zones) == 0 {
		return ""
	}
	return r.zones[0]
}

// Publish writes name.zone and subdomain.name.zone A records pointing at ip.
func (r *Registry) Publish(ctx context.Context, zone, name string, subdomains []string, ip string) error {
	if err := r.check(zone); err != nil {
		return err
	}
	for _, host := range hostnames(zone, name, subdomains) {
		if err := r.records.UpsertARecord(ctx, zone, host, ip); err != nil {
			return fmt.Errorf("failed to publish %s: %w", host, err)
		}
	}
	return nil
}

// Unpublish removes what Publish wrote. It keeps going past failures and returns the first.
func (r *Registry) Unpublish(ctx context.Context, zone, name string, subdomains []string) error {
	if err := r.check(zone); err != nil {
		return err
	}
	var firstErr error
	for _, host := range hostnames(zone, name, subdomains) {
		if err := r.records.DeleteARecord(ctx, zone, host); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", host, err)
		}
	}
	return firstErr
}

// Manages reports whether records in zone go through this registry.
func (r *Registry) Manages(zone string) bool {
	return r.records != nil && r.Contains(zone) && r.catalog.DNSDriver(zone) == "cloudflare"
}

func (r *Registry) check(zone string) error {
	if !r.Contains(zone) {
		return fmt.Errorf("unknown root zone %s", zone)
	}
	if !r.Manages(zone) {
		return fmt.Errorf("%w: %s", ErrZoneNotManaged, zone)
	}
	return nil
}

func hostnames(zone, name string, subdomains []string) []string {
	hosts := []string{name + "." + zone}
	for _, sub := range subdomains {
		hosts = append(hosts, sub+"."+name+"."+zone)
	}
	return hosts
}
