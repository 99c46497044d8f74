// Package adsauth is the public authentication surface of the advertising API
// SDK. It owns the region table, the token store contract and its built-in
// backends, the token lifecycle manager that keeps access tokens fresh, and
// the authorization orchestrator that drives the browser-based login flow.
package adsauth

import (
	"fmt"
	"strings"
)

// Region identifies one of the advertising API deployments. Each region has
// its own authorization endpoint, token endpoint, and API base URL.
type Region string

const (
	// NorthAmerica covers the US, CA, MX and BR marketplaces.
	NorthAmerica Region = "na"
	// Europe covers the UK, EU, ME and IN marketplaces.
	Europe Region = "eu"
	// FarEast covers the JP, AU and SG marketplaces.
	FarEast Region = "fe"
)

// regionEndpoints is the immutable per-region endpoint set.
type regionEndpoints struct {
	authURL  string
	tokenURL string
	apiURL   string
}

var regionTable = map[Region]regionEndpoints{
	NorthAmerica: {
		authURL:  "https://www.amazon.com/ap/oa",
		tokenURL: "https://api.amazon.com/auth/o2/token",
		apiURL:   "https://advertising-api.amazon.com",
	},
	Europe: {
		authURL:  "https://eu.account.amazon.com/ap/oa",
		tokenURL: "https://api.amazon.co.uk/auth/o2/token",
		apiURL:   "https://advertising-api-eu.amazon.com",
	},
	FarEast: {
		authURL:  "https://apac.account.amazon.com/ap/oa",
		tokenURL: "https://api.amazon.co.jp/auth/o2/token",
		apiURL:   "https://advertising-api-fe.amazon.com",
	},
}

// Regions returns the supported regions.
func Regions() []Region {
	return []Region{NorthAmerica, Europe, FarEast}
}

// ParseRegion converts a user-supplied region name into a Region.
func ParseRegion(s string) (Region, error) {
	region := Region(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := regionTable[region]; !ok {
		return "", fmt.Errorf("unknown region %q (expected one of na, eu, fe)", s)
	}
	return region, nil
}

// Valid reports whether the region is one of the supported deployments.
func (r Region) Valid() bool {
	_, ok := regionTable[r]
	return ok
}

// AuthorizationEndpoint returns the region's OAuth authorization endpoint.
func (r Region) AuthorizationEndpoint() string {
	return regionTable[r].authURL
}

// TokenEndpoint returns the region's OAuth token endpoint.
func (r Region) TokenEndpoint() string {
	return regionTable[r].tokenURL
}

// APIEndpoint returns the region's advertising API base URL.
func (r Region) APIEndpoint() string {
	return regionTable[r].apiURL
}

// String returns the short region name.
func (r Region) String() string {
	return string(r)
}
