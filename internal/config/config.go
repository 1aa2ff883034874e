// Package config loads the JSON configuration document and distributes it
// via context.Context, the way the teacher distributes client.Config
// (pkg/client/config.go's With/From pattern) rather than as a package-level
// global. JSON parsing itself is explicitly out of core scope (spec.md §1);
// this package is the thin boundary shim around it.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Setting holds the top-level process behaviors.
type Setting struct {
	UID         *int   `json:"uid,omitempty"`
	GID         *int   `json:"gid,omitempty"`
	Daemon      bool   `json:"daemon,omitempty"`
	PIDFile     string `json:"pid_file,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
	LogFile     string `json:"log_file,omitempty"`
	LogFileMaxK int    `json:"log_file_max,omitempty"`
}

// InEntry configures one inbound listener.
type InEntry struct {
	Tag                string `json:"tag"`
	Address            string `json:"address"`
	Protocol           string `json:"protocol"`
	TCPNoDelay         *bool   `json:"tcp_nodelay,omitempty"`
	TCPKeepaliveSec    float64 `json:"tcp_keepalive_inverval,omitempty"`
	TCPTimeoutSec      float64 `json:"tcp_timeout,omitempty"`
	UDPTimeoutSec      float64 `json:"udp_timeout,omitempty"`
	MTU                int     `json:"mtu,omitempty"`
}

// OutEntry configures one outbound handler.
type OutEntry struct {
	Tag             string   `json:"tag"`
	Protocol        string   `json:"protocol"`
	Server          []string `json:"server,omitempty"`
	RefreshSystem   float64  `json:"refresh_system,omitempty"`
	RefreshCache    bool     `json:"refresh_cache,omitempty"`
	MinTTL          uint32   `json:"min_ttl,omitempty"`
	MaxTTL          uint32   `json:"max_ttl,omitempty"`
	CacheSize       int      `json:"cache_size,omitempty"`
	IPv6First       bool     `json:"ipv6_first,omitempty"`
	TCPNoDelay      *bool    `json:"tcp_nodelay,omitempty"`
	TCPKeepaliveSec float64  `json:"tcp_keepalive_inverval,omitempty"`
	TCPTimeoutSec   float64  `json:"tcp_timeout,omitempty"`
	UDPTimeoutSec   float64  `json:"udp_timeout,omitempty"`
}

// ResolveEntry configures the shared name-resolving outbound facility used
// by origin outbounds to turn a hostname daddr into an address literal
// before dialing, per spec.md §6's optional top-level "resolve" document
// field (grounded on original_source/src/origin/out_tcp.rs:20 and
// out_udp.rs:28 calling crate::resolve::resolve(&daddr) ahead of every
// dial).
type ResolveEntry struct {
	Server    []string `json:"server,omitempty"`
	IPv6First bool     `json:"ipv6_first,omitempty"`
	MinTTL    uint32   `json:"min_ttl,omitempty"`
	MaxTTL    uint32   `json:"max_ttl,omitempty"`
}

// RuleEntry is one route rule as read from JSON, with RouteAddr fields kept
// as raw pattern-line lists ("full X", "cidr X/N", ...) until compiled.
type RuleEntry struct {
	Tag       []string `json:"tag,omitempty"`
	Network   []string `json:"network,omitempty"`
	SAddr     []string `json:"saddr,omitempty"`
	SPort     []uint16 `json:"sport,omitempty"`
	DAddr     []string `json:"daddr,omitempty"`
	DPort     []uint16 `json:"dport,omitempty"`
	DNSDomain []string `json:"dns_domain,omitempty"`
	Jump      string   `json:"jump"`
}

// Document is the full top-level JSON configuration.
type Document struct {
	Setting Setting       `json:"setting"`
	In      []InEntry     `json:"in"`
	Out     []OutEntry    `json:"out"`
	Route   []RuleEntry   `json:"route"`
	Resolve *ResolveEntry `json:"resolve,omitempty"`
}

// Load reads and parses path into a Document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &doc, nil
}

type ctxKey struct{}

// With attaches doc to ctx.
func With(ctx context.Context, doc *Document) context.Context {
	return context.WithValue(ctx, ctxKey{}, doc)
}

// From retrieves the Document attached to ctx, or nil if none.
func From(ctx context.Context) *Document {
	doc, _ := ctx.Value(ctxKey{}).(*Document)
	return doc
}
