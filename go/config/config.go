// Package config loads the ini configuration that drives the pipeline:
// one section per OAI-PMH data source, plus [Global] and [Enrichment]
// sections for the shared machinery.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Granularity values a data source may configure. GranularityAuto defers
// to the repository's Identify response.
const (
	GranularityAuto    = "auto"
	GranularityDate    = "YYYY-MM-DD"
	GranularitySeconds = "YYYY-MM-DDThh:mm:ssZ"
)

// DefaultSameTokenLimit is the safeguard threshold for servers that keep
// returning the same resumption token.
const DefaultSameTokenLimit = 100

// Source configures one OAI-PMH data source.
type Source struct {
	ID             string
	URL            string
	Set            string
	MetadataPrefix string

	// IDPrefix is stripped from record identifiers when it matches as a
	// prefix; the IDSearch/IDReplace pairs then apply in order.
	IDPrefix  string
	IDSearch  []string
	IDReplace []string

	DateGranularity      string
	DebugLog             string
	Transformation       string // path to an XSL document applied per response
	IgnoreNoRecordsMatch bool
	SameTokenLimit       int
}

// Validate returns an error if the source is not well-formed.
func (s Source) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("source %s: expected `url`", s.ID)
	}
	if s.MetadataPrefix == "" {
		return fmt.Errorf("source %s: expected `metadataPrefix`", s.ID)
	}
	if len(s.IDSearch) != len(s.IDReplace) {
		return fmt.Errorf("source %s: %d idSearch patterns but %d idReplace values",
			s.ID, len(s.IDSearch), len(s.IDReplace))
	}
	switch s.DateGranularity {
	case GranularityAuto, GranularityDate, GranularitySeconds:
	default:
		return fmt.Errorf("source %s: unknown dateGranularity %q", s.ID, s.DateGranularity)
	}
	return nil
}

// Enrichment configures the vocabulary enrichment clients.
type Enrichment struct {
	BaseURL               string
	URLPrefixWhitelist    []string
	URIPrefixExactMatches []string
}

// Global holds settings shared by all sources.
type Global struct {
	StateDB   string
	Workers   int
	MaxQueue  int
	MaxTries  int
	RetryWait time.Duration
}

type Config struct {
	Global     Global
	Enrichment Enrichment
	Sources    []Source
}

// Source returns the configured source with the given id.
func (c *Config) Source(id string) (Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// Load reads and validates an ini configuration file. Repeated
// idSearch/idReplace keys are kept in file order; their pairing is
// positional.
func Load(path string) (*Config, error) {
	var f, err = ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration %s: %w", path, err)
	}

	var cfg = &Config{
		Global: Global{
			StateDB:   "harvest.db",
			MaxQueue:  8,
			MaxTries:  5,
			RetryWait: 30 * time.Second,
		},
	}

	for _, sec := range f.Sections() {
		switch sec.Name() {
		case ini.DefaultSection:
			continue
		case "Global":
			var g = &cfg.Global
			if sec.HasKey("stateDb") {
				g.StateDB = sec.Key("stateDb").String()
			}
			g.Workers = sec.Key("workers").MustInt(g.Workers)
			g.MaxQueue = sec.Key("maxQueue").MustInt(g.MaxQueue)
			g.MaxTries = sec.Key("maxTries").MustInt(g.MaxTries)
			if sec.HasKey("retryWait") {
				d, err := time.ParseDuration(sec.Key("retryWait").String())
				if err != nil {
					return nil, fmt.Errorf("parsing retryWait: %w", err)
				}
				g.RetryWait = d
			}
		case "Enrichment":
			cfg.Enrichment = Enrichment{
				BaseURL:               sec.Key("base_url").String(),
				URLPrefixWhitelist:    splitList(sec.Key("url_prefix_whitelist").ValueWithShadows()),
				URIPrefixExactMatches: splitList(sec.Key("uri_prefix_exact_matches").ValueWithShadows()),
			}
		default:
			var src = Source{
				ID:                   sec.Name(),
				URL:                  sec.Key("url").String(),
				Set:                  sec.Key("set").String(),
				MetadataPrefix:       sec.Key("metadataPrefix").String(),
				IDPrefix:             sec.Key("idPrefix").String(),
				IDSearch:             shadows(sec, "idSearch"),
				IDReplace:            shadows(sec, "idReplace"),
				DateGranularity:      sec.Key("dateGranularity").MustString(GranularityAuto),
				DebugLog:             sec.Key("debuglog").String(),
				Transformation:       sec.Key("oaipmhTransformation").String(),
				IgnoreNoRecordsMatch: sec.Key("ignoreNoRecordsMatch").MustBool(false),
				SameTokenLimit:       sec.Key("sameResumptionTokenLimit").MustInt(DefaultSameTokenLimit),
			}
			if err := src.Validate(); err != nil {
				return nil, err
			}
			cfg.Sources = append(cfg.Sources, src)
		}
	}
	return cfg, nil
}

// shadows returns every value of a repeated key, or nil when absent.
func shadows(sec *ini.Section, name string) []string {
	if !sec.HasKey(name) {
		return nil
	}
	return sec.Key(name).ValueWithShadows()
}

// splitList flattens repeated keys that may also hold comma-separated
// values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
