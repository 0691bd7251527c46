// Package pipeline wires the pieces together: the harvester's record
// callback feeds the worker pool, workers turn record XML into flat
// documents, enrich them, and hand them to the sink.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/metastore/harvest/go/enrich"
	"github.com/metastore/harvest/go/oai"
	"github.com/metastore/harvest/go/pool"
)

// Sink receives the final documents. Implementations are called from
// worker goroutines and must tolerate concurrent calls.
type Sink interface {
	// Index upserts a document, returning the number of records written.
	Index(source, id string, doc map[string][]string) (int, error)
	// Delete removes a record, returning the number of records removed.
	Delete(source, id string) (int, error)
}

// RecordDriver turns raw record XML into a Solr-like flat document. It is
// the per-format adapter (MARC, DC, LIDO, ...) this pipeline stays
// agnostic of.
type RecordDriver interface {
	Transform(source, id string, payload []byte) (map[string][]string, error)
}

// Pipeline runs one harvest end to end.
type Pipeline struct {
	Harvester *oai.Harvester
	Driver    RecordDriver
	Enricher  *enrich.Enricher
	Sink      Sink

	// Workers and MaxQueue size the worker pool. Workers == 0 processes
	// records synchronously on the harvest loop.
	Workers  int
	MaxQueue int

	// EnrichFields names document fields whose http(s)-URI values are
	// treated as vocabulary references: each is moved out of the field,
	// recorded in its `_uri_str_mv` companion, and resolved into labels
	// appended back onto the field.
	EnrichFields []string

	pool    *pool.Pool
	indexed int
}

// Indexed returns the summed sink counts of all completed upserts.
func (p *Pipeline) Indexed() int { return p.indexed }

// Run drives the harvest to completion. The harvested date is persisted
// only after the pool has fully drained with every record processed, so
// a worker or record failure anywhere in the run leaves the source's
// state untouched.
func (p *Pipeline) Run(ctx context.Context) error {
	p.pool = pool.New("pipeline", p.Workers, p.MaxQueue, p.runJob(ctx), nil)
	defer p.pool.Destroy()

	p.Harvester.OnFinish = func() error {
		if err := p.pool.WaitUntilDone(); err != nil {
			return err
		}
		return p.drainResults()
	}

	if err := p.Harvester.Harvest(ctx, p.onRecord); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"changed": p.Harvester.Changed(),
		"deleted": p.Harvester.Deleted(),
		"indexed": p.indexed,
	}).Info("pipeline finished")
	return nil
}

// onRecord is the harvester callback. Deletes bypass the pool; upserts
// are queued as (source, id, xml) requests.
func (p *Pipeline) onRecord(rec oai.Record) (int, error) {
	if rec.Deleted {
		// Deletions count through the deleted counter, not changed.
		var _, err = p.Sink.Delete(rec.Source, rec.ID)
		return 0, err
	}
	if err := p.pool.AddRequest(rec.Source, rec.ID, string(rec.Payload)); err != nil {
		return 0, err
	}
	return 1, nil
}

// runJob is the worker side: transform, enrich, index.
func (p *Pipeline) runJob(ctx context.Context) pool.RunFunc {
	return func(args []json.RawMessage) (interface{}, error) {
		if len(args) != 3 {
			return nil, fmt.Errorf("expected 3 arguments, got %d", len(args))
		}
		var source, id, payload string
		for i, dst := range []*string{&source, &id, &payload} {
			if err := json.Unmarshal(args[i], dst); err != nil {
				return nil, fmt.Errorf("decoding argument %d: %w", i, err)
			}
		}

		var doc, err = p.Driver.Transform(source, id, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("transforming record %s: %w", id, err)
		}

		if p.Enricher != nil {
			for _, field := range p.EnrichFields {
				var values = doc[field]
				var keep []string
				var uris []string
				for _, v := range values {
					if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
						uris = append(uris, v)
					} else {
						keep = append(keep, v)
					}
				}
				doc[field] = keep
				for _, uri := range uris {
					if err := p.Enricher.Enrich(ctx, source, doc, uri, field); err != nil {
						return nil, fmt.Errorf("enriching record %s with %s: %w", id, uri, err)
					}
				}
			}
		}

		n, err := p.Sink.Index(source, id, doc)
		if err != nil {
			return nil, fmt.Errorf("indexing record %s: %w", id, err)
		}
		return n, nil
	}
}

// drainResults folds completed worker replies into the indexed counter
// and returns the first failure. Any failed record blocks persistence:
// the harvested date would otherwise advance past it, losing the record
// to every future incremental harvest.
func (p *Pipeline) drainResults() error {
	var firstErr error
	var fail = func(err error) {
		log.WithField("error", err).Error("record processing failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, res := range p.pool.Results() {
		if res.Err != nil {
			fail(res.Err)
			continue
		}
		var n int
		if err := json.Unmarshal(res.Value, &n); err != nil {
			fail(fmt.Errorf("unexpected worker reply: %w", err))
			continue
		}
		p.indexed += n
	}
	return firstErr
}
