// harvestd drives OAI-PMH harvests configured in an ini file, runs the
// enrichment pipeline over the harvested records, and writes the
// resulting documents to stdout as JSON lines.
package main

import (
	"context"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/metastore/harvest/go/config"
	"github.com/metastore/harvest/go/enrich"
	"github.com/metastore/harvest/go/fetch"
	"github.com/metastore/harvest/go/oai"
	"github.com/metastore/harvest/go/pipeline"
	"github.com/metastore/harvest/go/store"
)

type commonOptions struct {
	Config   string `long:"config" default:"harvest.ini" description:"Path to the ini configuration"`
	Source   string `long:"source" description:"Act on this data source only (default: all)"`
	LogLevel string `long:"log.level" default:"info" description:"Log level"`
}

func (c commonOptions) init() (*config.Config, error) {
	var level, err = log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)
	return config.Load(c.Config)
}

func (c commonOptions) sources(cfg *config.Config) ([]config.Source, error) {
	if c.Source == "" {
		return cfg.Sources, nil
	}
	var src, ok = cfg.Source(c.Source)
	if !ok {
		return nil, fmt.Errorf("unknown data source %q", c.Source)
	}
	return []config.Source{src}, nil
}

func newClient(g config.Global, src config.Source) *fetch.Client {
	return &fetch.Client{
		MaxTries:  g.MaxTries,
		RetryWait: g.RetryWait,
		TracePath: src.DebugLog,
	}
}

type harvestCmd struct {
	commonOptions
	From  string `long:"from" description:"Harvest window start (overrides persisted state)"`
	Until string `long:"until" description:"Harvest window end"`
	Token string `long:"resumption-token" description:"Resume from a known resumption token"`
}

func (c *harvestCmd) Execute([]string) error {
	var cfg, err = c.init()
	if err != nil {
		return err
	}
	sources, err := c.sources(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Global.StateDB)
	if err != nil {
		return err
	}
	defer st.Close()

	var sink = pipeline.NewStdoutSink()

	for _, src := range sources {
		var client = newClient(cfg.Global, src)

		h, err := oai.NewHarvester(src, client, st)
		if err != nil {
			return err
		}
		h.From, h.Until, h.TokenOverride = c.From, c.Until, c.Token
		if h.From == "" {
			if h.From, err = st.LastHarvestedDate(src.ID); err != nil {
				return err
			}
		}

		var p = &pipeline.Pipeline{
			Harvester: h,
			Driver:    &pipeline.GenericXMLDriver{Format: src.MetadataPrefix},
			Sink:      sink,
			Workers:   cfg.Global.Workers,
			MaxQueue:  cfg.Global.MaxQueue,
		}
		if cfg.Enrichment.BaseURL != "" {
			p.Enricher = &enrich.Enricher{
				BaseURL:            cfg.Enrichment.BaseURL,
				Whitelist:          cfg.Enrichment.URLPrefixWhitelist,
				ExactMatchPrefixes: cfg.Enrichment.URIPrefixExactMatches,
				Client:             client,
				Cache:              st,
			}
			p.EnrichFields = []string{"topic", "geographic"}
		}

		log.WithFields(log.Fields{"source": src.ID, "from": h.From}).Info("starting harvest")
		if err = p.Run(context.Background()); err != nil {
			return fmt.Errorf("harvesting %s: %w", src.ID, err)
		}
	}
	return nil
}

type identifiersCmd struct {
	commonOptions
}

func (c *identifiersCmd) Execute([]string) error {
	var cfg, err = c.init()
	if err != nil {
		return err
	}
	sources, err := c.sources(cfg)
	if err != nil {
		return err
	}

	for _, src := range sources {
		h, err := oai.NewHarvester(src, newClient(cfg.Global, src), nil)
		if err != nil {
			return err
		}
		err = h.ListIdentifiers(context.Background(), func(source, id string, deleted bool) error {
			var status = "-"
			if deleted {
				status = "deleted"
			}
			fmt.Printf("%s\t%s\t%s\n", source, id, status)
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing identifiers of %s: %w", src.ID, err)
		}
	}
	return nil
}

func main() {
	var parser = flags.NewNamedParser("harvestd", flags.Default)
	parser.AddCommand("harvest", "Run harvests",
		"Harvest configured data sources through the enrichment pipeline.", &harvestCmd{})
	parser.AddCommand("identifiers", "List identifiers",
		"List record identifiers of configured data sources.", &identifiersCmd{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		// Command errors (fatal harvest failures included) exit non-zero.
		if _, ok := err.(*flags.Error); !ok {
			log.WithField("error", err).Error("command failed")
		}
		os.Exit(1)
	}
}
