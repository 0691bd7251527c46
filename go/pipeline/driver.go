package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// GenericXMLDriver is the fallback record driver: format-agnostic, it
// keeps the full record and flattens every text node into a searchable
// catch-all field. Format-specific drivers replace it in real
// deployments.
type GenericXMLDriver struct {
	// Format is recorded in the document's record_format field.
	Format string
}

func (d *GenericXMLDriver) Transform(source, id string, payload []byte) (map[string][]string, error) {
	var doc, err = xmlquery.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parsing record payload: %w", err)
	}

	var texts []string
	collectText(doc, &texts)

	var out = map[string][]string{
		"id":            {source + "." + id},
		"source_str_mv": {source},
		"fullrecord":    {string(payload)},
	}
	if d.Format != "" {
		out["record_format"] = []string{d.Format}
	}
	if len(texts) > 0 {
		out["allfields"] = texts
	}
	return out, nil
}

func collectText(n *xmlquery.Node, out *[]string) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.TextNode {
			if text := strings.TrimSpace(child.Data); text != "" {
				*out = append(*out, text)
			}
		}
		collectText(child, out)
	}
}
