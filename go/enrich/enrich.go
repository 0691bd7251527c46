// Package enrich augments flat record documents with labels fetched from
// SKOS vocabulary services, backed by a local cache so repeated URIs cost
// one remote fetch per process fleet.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Getter is the HTTP surface used for vocabulary fetches (see package
// fetch).
type Getter interface {
	Get(ctx context.Context, url string, headers map[string]string) (int, []byte, error)
}

// Cache stores pipe-delimited label sets keyed by canonical fetch URL.
// Entries are immutable once written; TTL is the caller's concern.
type Cache interface {
	EnrichmentLabels(url string) (pref, alt string, ok bool, err error)
	SetEnrichmentLabels(url, pref, alt string) error
}

// Enricher resolves vocabulary URIs into label sets and accumulates them
// into record documents.
type Enricher struct {
	BaseURL string

	// Whitelist holds URI prefixes that may be resolved; anything else is
	// skipped (recorded, but never fetched).
	Whitelist []string

	// ExactMatchPrefixes holds URI prefixes whose concepts also have
	// their skos:exactMatch references resolved and folded in.
	ExactMatchPrefixes []string

	Client Getter
	Cache  Cache
}

// concept is the subset of a SKOS graph item the enricher reads. The
// serializations in the wild are uneven: type may be a string or array,
// labels an object or array of objects, exactMatch strings or objects.
type concept struct {
	URI        string     `json:"uri"`
	Type       typeList   `json:"type"`
	PrefLabel  labelList  `json:"prefLabel"`
	AltLabel   labelList  `json:"altLabel"`
	ExactMatch stringList `json:"exactMatch"`
}

func (c *concept) isConcept() bool {
	for _, t := range c.Type {
		if t == "skos:Concept" {
			return true
		}
	}
	return false
}

type graphDoc struct {
	Graph []concept `json:"graph"`
}

type typeList []string

func (t *typeList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = typeList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*t = typeList(many)
	return nil
}

type label struct {
	Value string `json:"value"`
}

type labelList []label

func (l *labelList) UnmarshalJSON(data []byte) error {
	var one label
	if err := json.Unmarshal(data, &one); err == nil {
		*l = labelList{one}
		return nil
	}
	var many []label
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = labelList(many)
	return nil
}

func (l labelList) values() []string {
	var out []string
	for _, item := range l {
		if item.Value != "" {
			out = append(out, item.Value)
		}
	}
	return out
}

type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, item := range raw {
		var str string
		if err := json.Unmarshal(item, &str); err == nil {
			*s = append(*s, str)
			continue
		}
		var obj struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return err
		}
		*s = append(*s, obj.URI)
	}
	return nil
}

// Enrich resolves uri and appends its labels into doc[field]. The URI is
// always recorded in the companion `<field>_uri_str_mv` field, even when
// it is skipped or the fetch fails to produce labels. Duplicates are not
// removed here; the downstream indexer normalizes.
func (e *Enricher) Enrich(ctx context.Context, source string, doc map[string][]string, uri, field string) error {
	doc[field+"_uri_str_mv"] = append(doc[field+"_uri_str_mv"], uri)

	if !e.whitelisted(uri) {
		log.WithFields(log.Fields{"source": source, "uri": uri}).
			Debug("uri not whitelisted for enrichment")
		return nil
	}

	var fetchURL = e.dataURL(uri)

	if e.Cache != nil {
		pref, alt, ok, err := e.Cache.EnrichmentLabels(fetchURL)
		if err != nil {
			return err
		}
		if ok {
			doc[field] = append(doc[field], splitLabels(pref)...)
			doc[field] = append(doc[field], splitLabels(alt)...)
			return nil
		}
	}

	var prefLabels, altLabels []string

	graph, err := e.fetchGraph(ctx, fetchURL)
	if err != nil {
		return err
	}
	for i := range graph {
		var c = &graph[i]
		if !c.isConcept() || c.URI != uri {
			continue
		}
		altLabels = append(altLabels, c.AltLabel.values()...)

		if e.exactMatchable(uri) {
			for _, ref := range c.ExactMatch {
				pref, alt, err := e.fetchExactMatch(ctx, ref)
				if err != nil {
					return err
				}
				prefLabels = append(prefLabels, pref...)
				altLabels = append(altLabels, alt...)
			}
		}
	}

	doc[field] = append(doc[field], prefLabels...)
	doc[field] = append(doc[field], altLabels...)

	if e.Cache != nil {
		if err := e.Cache.SetEnrichmentLabels(fetchURL,
			strings.Join(prefLabels, "|"), strings.Join(altLabels, "|")); err != nil {
			return err
		}
	}
	return nil
}

// fetchExactMatch resolves one skos:exactMatch reference and collects the
// labels of its matching concept.
func (e *Enricher) fetchExactMatch(ctx context.Context, ref string) (pref, alt []string, err error) {
	graph, err := e.fetchGraph(ctx, e.dataURL(ref))
	if err != nil {
		return nil, nil, err
	}
	for i := range graph {
		var c = &graph[i]
		if c.isConcept() && c.URI == ref {
			pref = append(pref, c.PrefLabel.values()...)
			alt = append(alt, c.AltLabel.values()...)
		}
	}
	return pref, alt, nil
}

func (e *Enricher) fetchGraph(ctx context.Context, fetchURL string) ([]concept, error) {
	var _, body, err = e.Client.Get(ctx, fetchURL, nil)
	if err != nil {
		return nil, err
	}
	var doc graphDoc
	if err = json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding vocabulary response from %s: %w", fetchURL, err)
	}
	return doc.Graph, nil
}

// dataURL builds the canonical fetch URL for a vocabulary URI. It doubles
// as the cache key.
func (e *Enricher) dataURL(uri string) string {
	return e.BaseURL + "/data?format=application/json&uri=" + url.QueryEscape(uri)
}

func (e *Enricher) whitelisted(uri string) bool {
	for _, prefix := range e.Whitelist {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

func (e *Enricher) exactMatchable(uri string) bool {
	for _, prefix := range e.ExactMatchPrefixes {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}
