package oai

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	log "github.com/sirupsen/logrus"

	"github.com/metastore/harvest/go/config"
)

// xmlNamespaceURI is the reserved namespace that is never copied onto
// record fragments.
const xmlNamespaceURI = "http://www.w3.org/XML/1998/namespace"

// Record is one harvested record as delivered to the callback. Deleted
// records carry no payload; upserts carry a standalone XML fragment
// rooted at the metadata element, with inherited namespace declarations
// copied onto the root.
type Record struct {
	Source  string
	ID      string
	Deleted bool
	Payload []byte
}

// RecordFunc consumes harvested records. The returned count is added to
// the changed-records counter. It is invoked synchronously during record
// processing, so per-page server order is preserved at the handoff.
type RecordFunc func(rec Record) (int, error)

// HeaderFunc consumes headers from an identifier listing.
type HeaderFunc func(source, id string, deleted bool) error

// Getter is the HTTP surface the harvester drives (see package fetch).
type Getter interface {
	Get(ctx context.Context, url string, headers map[string]string) (int, []byte, error)
}

// StateStore persists per-source harvest state.
type StateStore interface {
	LastHarvestedDate(source string) (string, error)
	SetLastHarvestedDate(source, date string) error
}

// StuckTokenError is the safeguard against servers that return the same
// resumption token indefinitely.
type StuckTokenError struct {
	Token   string
	Repeats int
}

func (e *StuckTokenError) Error() string {
	return fmt.Sprintf("resumption token %q returned %d times in a row", e.Token, e.Repeats)
}

// Harvester drives one OAI-PMH harvest session for a data source. It is
// strictly sequential: one request in flight at a time, paced by the
// server-issued resumption token.
type Harvester struct {
	// From and Until bound the harvest window; empty means unbounded.
	// They are reformatted to the negotiated granularity.
	From  string
	Until string

	// TokenOverride resumes an interrupted harvest from a known token,
	// skipping the first-page request.
	TokenOverride string

	// OnFinish, when set, runs after the token loop completes but before
	// the harvested date is persisted. An error aborts persistence, which
	// keeps downstream drains (e.g. the worker pool) part of the harvest's
	// success criteria.
	OnFinish func() error

	src    config.Source
	client Getter
	state  StateStore
	norm   *Normalizer

	granularity string // negotiated, one of config.GranularityDate/Seconds
	serverDate  string // responseDate captured from Identify

	changed int
	deleted int

	// Safeguard state for repeated resumption tokens.
	lastToken string
	repeats   int
}

// NewHarvester builds a harvester for the given source.
func NewHarvester(src config.Source, client Getter, state StateStore) (*Harvester, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	var norm, err = NewNormalizer(src.IDPrefix, src.IDSearch, src.IDReplace)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, err)
	}
	var limit = src.SameTokenLimit
	if limit <= 0 {
		limit = config.DefaultSameTokenLimit
	}
	src.SameTokenLimit = limit
	return &Harvester{src: src, client: client, state: state, norm: norm}, nil
}

// Changed returns the running changed-records counter.
func (h *Harvester) Changed() int { return h.changed }

// Deleted returns the running deleted-records counter.
func (h *Harvester) Deleted() int { return h.deleted }

// Harvest runs the full state machine: Identify, then ListRecords pages
// chained by resumption token, delivering each record to cb. On clean
// completion the server's response date is persisted as the source's
// last harvested date; it is not persisted on any failure.
func (h *Harvester) Harvest(ctx context.Context, cb RecordFunc) error {
	if err := h.identify(ctx); err != nil {
		return err
	}

	var emit = func(doc *xmlquery.Node) error {
		return h.processRecords(doc, "ListRecords", cb, nil)
	}
	if err := h.tokenLoop(ctx, "ListRecords", emit); err != nil {
		return err
	}

	if h.OnFinish != nil {
		if err := h.OnFinish(); err != nil {
			return err
		}
	}
	return h.persistDate()
}

// ListIdentifiers runs the reduced state machine, invoking cb once per
// header. The harvested date is not persisted.
func (h *Harvester) ListIdentifiers(ctx context.Context, cb HeaderFunc) error {
	if err := h.identify(ctx); err != nil {
		return err
	}
	var emit = func(doc *xmlquery.Node) error {
		return h.processRecords(doc, "ListIdentifiers", nil, cb)
	}
	return h.tokenLoop(ctx, "ListIdentifiers", emit)
}

// tokenLoop issues the first-page request (by override token, by date
// window, or unbounded) and then follows resumption tokens until the
// server stops issuing them.
func (h *Harvester) tokenLoop(ctx context.Context, verb string, emit func(*xmlquery.Node) error) error {
	var token = h.TokenOverride
	var isTokenRequest = token != ""

	for {
		var params = url.Values{"verb": {verb}}
		if isTokenRequest {
			params.Set("resumptionToken", token)
		} else {
			params.Set("metadataPrefix", h.src.MetadataPrefix)
			if h.src.Set != "" {
				params.Set("set", h.src.Set)
			}
			if h.From != "" {
				params.Set("from", h.formatParam(h.From))
			}
			if h.Until != "" {
				params.Set("until", h.formatParam(h.Until))
			}
		}

		var doc, err = h.request(ctx, params, isTokenRequest)
		if err == errNoRecords {
			return nil
		} else if err != nil {
			return err
		}

		if err = emit(doc); err != nil {
			return err
		}

		var next = resumptionToken(doc)
		if next == "" {
			return nil
		}
		if err = h.safeguard(next); err != nil {
			return err
		}
		token, isTokenRequest = next, true
	}
}

// safeguard trips when the server returns the same token
// sameResumptionTokenLimit times in a row. The counter resets whenever
// the token changes.
func (h *Harvester) safeguard(token string) error {
	if token == h.lastToken {
		h.repeats++
	} else {
		h.lastToken = token
		h.repeats = 1
	}
	if h.repeats >= h.src.SameTokenLimit {
		return &StuckTokenError{Token: token, Repeats: h.repeats}
	}
	return nil
}

// identify negotiates the date granularity (when configured as auto) and
// always captures the server's responseDate. Persisting the server's
// clock, not ours, is what prevents lost records when the clocks diverge.
func (h *Harvester) identify(ctx context.Context) error {
	var doc, err = h.request(ctx, url.Values{"verb": {"Identify"}}, false)
	if err != nil {
		return err
	}

	if node := firstByLocalName(doc, "responseDate"); node != nil {
		h.serverDate = strings.TrimSpace(node.InnerText())
	}

	h.granularity = h.src.DateGranularity
	if h.granularity == config.GranularityAuto {
		var node = firstByLocalName(doc, "granularity")
		if node == nil {
			return fmt.Errorf("source %s: dateGranularity is auto but Identify reported none", h.src.ID)
		}
		switch g := strings.TrimSpace(node.InnerText()); g {
		case "YYYY-MM-DD":
			h.granularity = config.GranularityDate
		case "YYYY-MM-DDThh:mm:ssZ":
			h.granularity = config.GranularitySeconds
		default:
			return fmt.Errorf("source %s: unsupported granularity %q", h.src.ID, g)
		}
	}

	log.WithFields(log.Fields{
		"source":      h.src.ID,
		"granularity": h.granularity,
		"serverDate":  h.serverDate,
	}).Info("identified repository")
	return nil
}

// request issues one OAI-PMH request and returns the processed document:
// parsed (with encoding repair), transformed when the source configures
// an XSL document, and checked for a repository-reported error.
func (h *Harvester) request(ctx context.Context, params url.Values, isTokenRequest bool) (*xmlquery.Node, error) {
	var reqURL = h.src.URL + "?" + params.Encode()

	var _, body, err = h.client.Get(ctx, reqURL, nil)
	if err != nil {
		return nil, err
	}

	if h.src.Transformation != "" {
		if body, err = applyTransformation(ctx, h.src.Transformation, body); err != nil {
			return nil, err
		}
	}

	doc, err := parseResponse(body, h.src.ID)
	if err != nil {
		return nil, err
	}
	if err = checkOAIError(doc, isTokenRequest, h.src.IgnoreNoRecordsMatch); err != nil {
		return nil, err
	}
	return doc, nil
}

// processRecords walks the immediate <record> children of the listing
// element. Records without a header or metadata element are logged and
// skipped; everything else is delivered.
func (h *Harvester) processRecords(doc *xmlquery.Node, verb string, cb RecordFunc, hcb HeaderFunc) error {
	var listing = firstByLocalName(doc, verb)
	if listing == nil {
		return nil
	}

	var records = childrenByName(listing, "record")
	if verb == "ListIdentifiers" {
		// ListIdentifiers carries bare headers.
		records = childrenByName(listing, "header")
	}

	for _, rec := range records {
		var header = rec
		if verb == "ListRecords" {
			var headers = childrenByName(rec, "header")
			if len(headers) == 0 {
				log.WithField("source", h.src.ID).Warn("record has no header, skipping")
				continue
			}
			header = headers[0]
		}

		var idNodes = childrenByName(header, "identifier")
		if len(idNodes) == 0 {
			log.WithField("source", h.src.ID).Warn("header has no identifier, skipping")
			continue
		}
		var id = h.norm.Normalize(strings.TrimSpace(idNodes[0].InnerText()))
		var deleted = strings.EqualFold(header.SelectAttr("status"), "deleted")

		if hcb != nil {
			if err := hcb(h.src.ID, id, deleted); err != nil {
				return err
			}
			if deleted {
				h.deleted++
			}
			continue
		}

		if deleted {
			var n, err = cb(Record{Source: h.src.ID, ID: id, Deleted: true})
			if err != nil {
				return err
			}
			h.deleted++
			h.changed += n
			continue
		}

		var metadata = childrenByName(rec, "metadata")
		if len(metadata) == 0 {
			log.WithFields(log.Fields{"source": h.src.ID, "id": id}).
				Warn("record has no metadata element, skipping")
			continue
		}
		var payload = firstElementChild(metadata[0])
		if payload == nil {
			log.WithFields(log.Fields{"source": h.src.ID, "id": id}).
				Warn("metadata element is empty, skipping")
			continue
		}
		inheritNamespaces(payload)

		n, err := cb(Record{
			Source:  h.src.ID,
			ID:      id,
			Payload: []byte(payload.OutputXML(true)),
		})
		if err != nil {
			return err
		}
		h.changed += n
	}
	return nil
}

// inheritNamespaces copies in-scope namespace declarations from the
// fragment's ancestors onto the fragment root, so every prefix used in
// the serialized fragment has a binding declared on it. The reserved xml
// namespace and bindings already present on the root are left alone.
// Nearer declarations shadow outer ones.
func inheritNamespaces(root *xmlquery.Node) {
	var has = func(space, local string) bool {
		for _, a := range root.Attr {
			if a.Name.Space == space && a.Name.Local == local {
				return true
			}
		}
		return false
	}

	for anc := root.Parent; anc != nil; anc = anc.Parent {
		for _, a := range anc.Attr {
			var space, local = a.Name.Space, a.Name.Local
			var isPrefixed = space == "xmlns"
			var isDefault = space == "" && local == "xmlns"
			if !isPrefixed && !isDefault {
				continue
			}
			if isPrefixed && local == "xml" || a.Value == xmlNamespaceURI {
				continue
			}
			if has(space, local) {
				continue
			}
			root.Attr = append(root.Attr, xmlquery.Attr{
				Name:  xml.Name{Space: space, Local: local},
				Value: a.Value,
			})
		}
	}
}

// persistDate writes the Identify response date, formatted to the
// negotiated granularity, as the source's last harvested date.
func (h *Harvester) persistDate() error {
	if h.state == nil {
		return nil
	}
	var formatted, err = formatDate(h.serverDate, h.granularity)
	if err != nil {
		return fmt.Errorf("source %s: formatting server date: %w", h.src.ID, err)
	}
	if err = h.state.SetLastHarvestedDate(h.src.ID, formatted); err != nil {
		return err
	}
	log.WithFields(log.Fields{"source": h.src.ID, "date": formatted}).
		Info("harvest complete, persisted last harvested date")
	return nil
}

// formatParam reshapes a date parameter to the negotiated granularity.
func (h *Harvester) formatParam(date string) string {
	if h.granularity == config.GranularityDate && len(date) > 10 {
		return date[:10]
	}
	if h.granularity == config.GranularitySeconds && len(date) == 10 {
		return date + "T00:00:00Z"
	}
	return date
}

func formatDate(serverDate, granularity string) (string, error) {
	if serverDate == "" {
		return "", fmt.Errorf("no responseDate captured")
	}
	var t, err = time.Parse(time.RFC3339, serverDate)
	if err != nil {
		if t, err = time.Parse("2006-01-02", serverDate); err != nil {
			return "", fmt.Errorf("parsing responseDate %q: %w", serverDate, err)
		}
	}
	if granularity == config.GranularityDate {
		return t.Format("2006-01-02"), nil
	}
	return t.UTC().Format("2006-01-02T15:04:05Z"), nil
}
