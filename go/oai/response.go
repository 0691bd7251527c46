// Package oai implements the incremental OAI-PMH harvester: response
// processing, identifier normalization, and the token-driven harvest
// state machine.
package oai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// OAIError is a protocol error reported by the repository in an <error>
// element.
type OAIError struct {
	Code string
	Text string
}

func (e *OAIError) Error() string {
	return fmt.Sprintf("OAI-PMH error %s: %s", e.Code, e.Text)
}

// MalformedResponseError is returned when a response cannot be parsed
// even after encoding repair. The offending payload is kept at Path.
type MalformedResponseError struct {
	Err  error
	Path string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed OAI-PMH response (payload kept at %s): %v", e.Path, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// errNoRecords signals a tolerated noRecordsMatch: the harvest finishes
// cleanly with nothing to process.
var errNoRecords = errors.New("no records match")

// Protocol elements are resolved by position, never by descendant scan:
// record payloads are free to carry elements named `error` or
// `resumptionToken`, and those must not be mistaken for OAI structure.
var (
	errorPath           = xpath.MustCompile("/*[local-name()='OAI-PMH']/*[local-name()='error']")
	resumptionTokenPath = xpath.MustCompile("/*[local-name()='OAI-PMH']" +
		"/*[local-name()='ListRecords' or local-name()='ListIdentifiers']" +
		"/*[local-name()='resumptionToken']")
)

// xmlDeclRe matches an XML declaration so a wrongly labeled encoding can
// be rewritten during repair.
var xmlDeclRe = regexp.MustCompile(`^\s*<\?xml[^?]*\?>`)

// parseResponse parses raw response bytes into a document, repairing the
// common case of wrongly labeled encodings. If the payload remains
// unparseable it is written to a deterministic temp path and a
// MalformedResponseError is returned.
func parseResponse(data []byte, sourceID string) (*xmlquery.Node, error) {
	var doc, err = xmlquery.Parse(bytes.NewReader(data))
	if err == nil {
		return doc, nil
	}
	log.WithFields(log.Fields{"source": sourceID, "error": err}).
		Warn("response failed to parse, attempting encoding repair")

	// First try a sniffed re-decode: BOMs and meta hints beat declared labels.
	if r, cerr := charset.NewReader(bytes.NewReader(data), "application/xml"); cerr == nil {
		if doc, cerr = xmlquery.Parse(r); cerr == nil {
			return doc, nil
		}
	}

	// Force the bytes through UTF-8 normalization: invalid sequences become
	// replacement runes, and the declaration is rewritten to match.
	repaired, _, terr := transform.Bytes(unicode.UTF8.NewDecoder(), data)
	if terr == nil {
		repaired = xmlDeclRe.ReplaceAll(repaired, []byte(`<?xml version="1.0" encoding="UTF-8"?>`))
		if doc, terr = xmlquery.Parse(bytes.NewReader(repaired)); terr == nil {
			return doc, nil
		}
	}

	var path = filepath.Join(os.TempDir(), fmt.Sprintf("oai-pmh-%s.xml", sourceID))
	if werr := os.WriteFile(path, data, 0644); werr != nil {
		log.WithFields(log.Fields{"path": path, "error": werr}).Warn("writing malformed payload")
	}
	return nil, &MalformedResponseError{Err: err, Path: path}
}

// checkOAIError looks for a repository-reported <error> directly under
// the response root.
// A noRecordsMatch is tolerated, surfacing as errNoRecords, when the
// request was a resumption request or the source is configured to ignore
// it; every other error is fatal.
func checkOAIError(doc *xmlquery.Node, isTokenRequest, ignoreNoRecordsMatch bool) error {
	var node = xmlquery.QuerySelector(doc, errorPath)
	if node == nil {
		return nil
	}
	var oaiErr = &OAIError{
		Code: node.SelectAttr("code"),
		Text: strings.TrimSpace(node.InnerText()),
	}
	if oaiErr.Code == "noRecordsMatch" && (isTokenRequest || ignoreNoRecordsMatch) {
		log.WithField("error", oaiErr).Info("ignoring noRecordsMatch")
		return errNoRecords
	}
	return oaiErr
}

// resumptionToken returns the token carried by the listing element, or "".
func resumptionToken(doc *xmlquery.Node) string {
	var node = xmlquery.QuerySelector(doc, resumptionTokenPath)
	if node == nil {
		return ""
	}
	return strings.TrimSpace(node.InnerText())
}

// firstByLocalName returns the first descendant element with the given
// local name, depth-first.
func firstByLocalName(n *xmlquery.Node, name string) *xmlquery.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && child.Data == name {
			return child
		}
		if found := firstByLocalName(child, name); found != nil {
			return found
		}
	}
	return nil
}

// childrenByName returns the immediate element children with the given
// local name. OAI payloads reuse names like `identifier` and `header` at
// several nesting levels, so only immediate structural matches are safe.
func childrenByName(n *xmlquery.Node, name string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && child.Data == name {
			out = append(out, child)
		}
	}
	return out
}

// firstElementChild returns the first immediate child of element type.
func firstElementChild(n *xmlquery.Node) *xmlquery.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return child
		}
	}
	return nil
}

// applyTransformation runs the configured XSL document over a response
// payload by driving xsltproc with the payload on stdin.
func applyTransformation(ctx context.Context, xslPath string, data []byte) ([]byte, error) {
	var cmd = exec.CommandContext(ctx, "xsltproc", xslPath, "-")
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("applying transformation %s: %w\nwith stderr:\n%s",
			xslPath, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
