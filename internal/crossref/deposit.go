// Package crossref implements the registrar deposit builder (spec.md §4.G)
// and HTTP client (spec.md §4.H) for the Crossref-style asynchronous DOI
// registration pipeline. No third-party XML library appears anywhere in the
// example pack, so the deposit document is walked with the standard
// library's encoding/xml against a generic element tree — see DESIGN.md for
// that justification. Charset sniffing for the optional XML prolog uses
// golang.org/x/net/html/charset, grounded on the teacher's use of
// golang.org/x/net elsewhere in its HTTP stack.
package crossref

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html/charset"
)

// ErrInvalidBody is returned by ValidateBody on any structural violation
// (spec.md §4.G, all §4.G failures are BadRequest at the coordinator layer).
var ErrInvalidBody = errors.New("crossref: invalid deposit body")

var namespaceRE = regexp.MustCompile(`^http://www\.crossref\.org/schema/(4\.3\.4|4\.4\.\d+)$`)

var allowedRoots = map[string]bool{
	"journal": true, "book": true, "conference": true, "sa_component": true,
	"dissertation": true, "report-paper": true, "standard": true,
	"database": true, "peer_review": true, "posted_content": true,
}

// node is a generic, order-preserving XML element tree, used because no
// dedicated XML tree library appears in the example pack (encoding/xml's
// ",any" recursive matcher is the idiomatic standard-library substitute).
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",chardata"`
	Nodes   []*node    `xml:",any"`
}

func (n *node) local() string { return n.XMLName.Local }

func (n *node) children(local string) []*node {
	var out []*node
	for _, c := range n.Nodes {
		if c.local() == local {
			out = append(out, c)
		}
	}
	return out
}

// descendants returns every node in the subtree (including n itself) whose
// local name matches.
func (n *node) descendants(local string) []*node {
	var out []*node
	var walk func(*node)
	walk = func(x *node) {
		if x.local() == local {
			out = append(out, x)
		}
		for _, c := range x.Nodes {
			walk(c)
		}
	}
	walk(n)
	return out
}

// removeChildren deletes every descendant (at any depth) whose local name
// matches, used to strip stray timestamp elements (spec.md §4.G rule 5).
func (n *node) removeChildren(local string) {
	kept := n.Nodes[:0]
	for _, c := range n.Nodes {
		if c.local() != local {
			kept = append(kept, c)
		}
	}
	n.Nodes = kept
	for _, c := range n.Nodes {
		c.removeChildren(local)
	}
}

func (n *node) setAttr(name, value string) {
	for i, a := range n.Attrs {
		if a.Name.Local == name {
			n.Attrs[i].Value = value
			return
		}
	}
	n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

func (n *node) removeAttr(name string) {
	kept := n.Attrs[:0]
	for _, a := range n.Attrs {
		if a.Name.Local != name {
			kept = append(kept, a)
		}
	}
	n.Attrs = kept
}

// Body is a validated, parsed Crossref deposit body ready for envelope
// construction (spec.md §4.G).
type Body struct {
	Namespace string
	Version   string
	root      *node // the journal/book/... content element
}

// ValidateBody implements spec.md §4.G rules 1-6: prolog check, namespace
// extraction, descent to the content element, structural validation,
// doi/resource rewriting, stray timestamp removal, and schemaLocation.
func ValidateBody(raw []byte) (*Body, error) {
	if err := validateProlog(raw); err != nil {
		return nil, err
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel

	var root node
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: malformed xml: %v", ErrInvalidBody, err)
	}

	ns := root.XMLName.Space
	if ns == "" {
		ns = attrValue(root.Attrs, "xmlns")
	}
	m := namespaceRE.FindStringSubmatch(ns)
	if m == nil {
		return nil, fmt.Errorf("%w: unsupported or missing crossref schema namespace %q", ErrInvalidBody, ns)
	}
	version := m[1]

	content := &root
	if root.local() == "doi_batch" {
		bodies := root.children("body")
		if len(bodies) != 1 {
			return nil, fmt.Errorf("%w: doi_batch must have exactly one body child", ErrInvalidBody)
		}
		content = bodies[0]
	}
	if content.local() == "body" {
		if len(content.Nodes) != 1 {
			return nil, fmt.Errorf("%w: body must have exactly one child", ErrInvalidBody)
		}
		content = content.Nodes[0]
	}

	if !allowedRoots[content.local()] {
		return nil, fmt.Errorf("%w: unrecognized content element %q", ErrInvalidBody, content.local())
	}

	if err := normalizeDoiData(content); err != nil {
		return nil, err
	}

	content.setAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	content.setAttr("xsi:schemaLocation", ns+" http://www.crossref.org/schema/deposit/crossref"+version+".xsd")

	return &Body{Namespace: ns, Version: version, root: content}, nil
}

// normalizeDoiData enforces exactly-one doi_data with exactly-one doi and
// resource (rewritten to "(:tba)"), rejects collection/item/doi, and strips
// stray timestamp elements (spec.md §4.G rule 5).
func normalizeDoiData(content *node) error {
	depositData := content.descendants("doi_data")
	if len(depositData) != 1 {
		return fmt.Errorf("%w: expected exactly one doi_data element, found %d", ErrInvalidBody, len(depositData))
	}
	dd := depositData[0]

	dois := dd.children("doi")
	if len(dois) != 1 {
		return fmt.Errorf("%w: doi_data must have exactly one doi child, found %d", ErrInvalidBody, len(dois))
	}
	resources := dd.children("resource")
	if len(resources) != 1 {
		return fmt.Errorf("%w: doi_data must have exactly one resource child, found %d", ErrInvalidBody, len(resources))
	}

	for _, collection := range dd.children("collection") {
		for _, item := range collection.children("item") {
			if len(item.children("doi")) > 0 {
				return fmt.Errorf("%w: collection/item/doi is not permitted", ErrInvalidBody)
			}
		}
	}

	dois[0].Content = "(:tba)"
	resources[0].Content = "(:tba)"
	content.removeChildren("timestamp")

	return nil
}

func validateProlog(raw []byte) error {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return nil
	}
	end := bytes.Index(trimmed, []byte("?>"))
	if end < 0 {
		return fmt.Errorf("%w: unterminated xml declaration", ErrInvalidBody)
	}
	decl := string(trimmed[:end])

	if v := regexp.MustCompile(`version\s*=\s*"([^"]*)"`).FindStringSubmatch(decl); v != nil && v[1] != "1.0" {
		return fmt.Errorf("%w: unsupported xml version %q", ErrInvalidBody, v[1])
	}
	if e := regexp.MustCompile(`encoding\s*=\s*"([^"]*)"`).FindStringSubmatch(decl); e != nil && !strings.EqualFold(e[1], "utf-8") {
		return fmt.Errorf("%w: unsupported encoding %q", ErrInvalidBody, e[1])
	}
	if s := regexp.MustCompile(`standalone\s*=\s*"([^"]*)"`).FindStringSubmatch(decl); s != nil && s[1] != "yes" {
		return fmt.Errorf("%w: standalone must be \"yes\"", ErrInvalidBody)
	}
	return nil
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// withdrawTitlePaths are the title-bearing elements relative to doi_data
// that get a "WITHDRAWN: " prefix when Envelope is built with
// withdrawTitles (spec.md §4.G): "../titles/title",
// "../titles/original_language_title", "../proceedings_title",
// "../full_title", "../abbrev_title".
var withdrawTitlePaths = []string{"title", "original_language_title", "proceedings_title", "full_title", "abbrev_title"}

// Envelope is the fully-constructed submission document (spec.md §4.G
// "Envelope construction").
type Envelope struct {
	XML     []byte
	Body    []byte // the normalized body-only form, no envelope wrapper
	BatchID string
}

// EnvelopeOptions configures BuildEnvelope.
type EnvelopeOptions struct {
	DOI            string // scheme-less DOI, e.g. "10.5072/FK2ABC"
	TargetURL      string
	Registrant     string
	DepositorName  string
	DepositorEmail string
	WithdrawTitles bool
	BodyOnly       bool
}

// BuildEnvelope implements spec.md §4.G "Envelope construction": inserts
// the DOI and target into doi_data, optionally prefixes titles, and either
// returns the body alone or wraps it in a full doi_batch submission with a
// fresh batch ID.
func BuildEnvelope(b *Body, opts EnvelopeOptions) (*Envelope, error) {
	dd := b.root.descendants("doi_data")[0]
	dd.children("doi")[0].Content = opts.DOI
	dd.children("resource")[0].Content = opts.TargetURL

	if opts.WithdrawTitles {
		withdrawTitles(b.root, dd)
	}

	bodyOnlyXML, err := serialize(b.root)
	if err != nil {
		return nil, fmt.Errorf("crossref: serializing body: %w", err)
	}

	if opts.BodyOnly {
		return &Envelope{XML: bodyOnlyXML, Body: bodyOnlyXML}, nil
	}

	batchID := uuid.NewString()
	envelopeBody := stripSchemaLocation(b.root)
	envelopeBodyXML, err := serialize(envelopeBody)
	if err != nil {
		return nil, fmt.Errorf("crossref: serializing envelope body: %w", err)
	}

	depositorTag := "depositor_name"
	if b.Version < "4.3.4" {
		depositorTag = "name"
	}

	// spec.md §4.G: the timestamp is Crossref's centisecond-resolution
	// epoch counter (int(time*100)), not milliseconds.
	timestamp := time.Now().UTC().UnixNano() / int64(10*time.Millisecond)

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?>` + "\n")
	fmt.Fprintf(&buf, `<doi_batch version=%q>`+"\n", b.Version)
	buf.WriteString("<head>\n")
	fmt.Fprintf(&buf, "<doi_batch_id>%s</doi_batch_id>\n", xmlEscape(batchID))
	fmt.Fprintf(&buf, "<timestamp>%d</timestamp>\n", timestamp)
	fmt.Fprintf(&buf, "<%s>%s</%s>\n", depositorTag, xmlEscape(opts.DepositorName), depositorTag)
	fmt.Fprintf(&buf, "<email_address>%s</email_address>\n", xmlEscape(opts.DepositorEmail))
	fmt.Fprintf(&buf, "<registrant>%s</registrant>\n", xmlEscape(opts.Registrant))
	buf.WriteString("</head>\n")
	buf.WriteString("<body>\n")
	buf.Write(envelopeBodyXML)
	buf.WriteString("\n</body>\n")
	buf.WriteString("</doi_batch>\n")

	return &Envelope{XML: buf.Bytes(), Body: bodyOnlyXML, BatchID: batchID}, nil
}

func stripSchemaLocation(n *node) *node {
	clone := *n
	clone.Attrs = append([]xml.Attr(nil), n.Attrs...)
	clone.removeAttr("xsi:schemaLocation")
	clone.removeAttr("xmlns:xsi")
	clone.Nodes = n.Nodes
	return &clone
}

// withdrawTitles prefixes title-bearing elements scoped to dd's containing
// article/record element (the "../" in spec.md §4.G's relative paths), not
// the whole document — a journal's outer journal_metadata titles are left
// untouched.
func withdrawTitles(root, dd *node) {
	container := parentOf(root, dd)
	if container == nil {
		container = root
	}
	for _, name := range withdrawTitlePaths {
		for _, t := range container.descendants(name) {
			if !strings.HasPrefix(t.Content, "WITHDRAWN: ") {
				t.Content = "WITHDRAWN: " + t.Content
			}
		}
	}
}

// parentOf finds target's direct parent within root's subtree, or nil if
// target is root itself or not found.
func parentOf(root, target *node) *node {
	for _, c := range root.Nodes {
		if c == target {
			return root
		}
		if p := parentOf(c, target); p != nil {
			return p
		}
	}
	return nil
}

func serialize(n *node) ([]byte, error) {
	out, err := xml.Marshal(n)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
