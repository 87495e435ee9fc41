// Package datacite implements the synchronous DataCite-style DOI registrar
// (spec.md §6 "DataCite-style DOI registrar (consumed)"): registerIdentifier,
// setTargetUrl, uploadMetadata, validateDcmsRecord, numActiveOperations. This
// is the real-time collaborator the coordinator calls inline, distinct from
// the asynchronous Crossref-style pipeline in internal/crossref.
package datacite

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
)

// ErrValidation is wrapped around any DCMS record rejection (spec.md §7
// DataciteValidation).
var ErrValidation = errors.New("datacite: invalid dcms record")

// dcmsNamespaceRE matches the DataCite metadata schema namespace, analogous
// to crossref's namespaceRE but against DataCite's kernel versions.
var dcmsNamespaceRE = regexp.MustCompile(`^http://datacite\.org/schema/kernel-[234]$`)

// Client talks to a DataCite MDS-style endpoint: PUT /doi/<doi> to register
// and redirect, PUT /metadata/<doi> to upload DCMS XML.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	active     atomic.Int64
}

// Config configures a Client from the registrar's datacite block (spec.md §6
// "datacite.enabled").
type Config struct {
	BaseURL  string
	Username string
	Password string
}

// New constructs a Client.
func New(cfg Config) *Client {
	return &Client{
		httpClient: http.DefaultClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
	}
}

// NumActiveOperations reports the number of registrar calls currently in
// flight, consulted by the status reporter (spec.md §4.K).
func (c *Client) NumActiveOperations() int {
	return int(c.active.Load())
}

func (c *Client) track() func() {
	c.active.Add(1)
	return func() { c.active.Add(-1) }
}

// RegisterIdentifier registers doi and points it at target in one call,
// mirroring DataCite MDS's combined doi+url PUT (spec.md §4.F create: DOI).
func (c *Client) RegisterIdentifier(ctx context.Context, doi, target string) error {
	defer c.track()()
	body := fmt.Sprintf("doi=%s\nurl=%s\n", doi, target)
	return c.put(ctx, "/doi/"+doi, "text/plain;charset=UTF-8", strings.NewReader(body))
}

// SetTargetUrl repoints an already-registered doi (spec.md §4.F setMetadata
// DOI branch).
func (c *Client) SetTargetUrl(ctx context.Context, doi, target string) error {
	defer c.track()()
	body := fmt.Sprintf("doi=%s\nurl=%s\n", doi, target)
	return c.put(ctx, "/doi/"+doi, "text/plain;charset=UTF-8", strings.NewReader(body))
}

// UploadMetadata replaces the DCMS record registered against doi. The
// record sent is delta's "datacite" element, or prev's when delta has none;
// DataCite's MDS metadata endpoint always replaces the whole record.
func (c *Client) UploadMetadata(ctx context.Context, doi string, prev, delta map[string]string) error {
	defer c.track()()
	record, ok := delta["datacite"]
	if !ok {
		record, ok = prev["datacite"]
	}
	if !ok || strings.TrimSpace(record) == "" {
		return fmt.Errorf("datacite: uploadMetadata(%s): no datacite element present", doi)
	}
	return c.put(ctx, "/metadata/"+doi, "application/xml;charset=UTF-8", strings.NewReader(record))
}

func (c *Client) put(ctx context.Context, path, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("datacite: building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("datacite: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("datacite: %s returned status %d: %s", path, resp.StatusCode, oneLine(string(respBody)))
	}
	return nil
}

// dcmsRoot is the minimal shape needed to validate a DataCite kernel
// resource record: a single root element in a recognized kernel namespace,
// carrying at least one identifier and one title.
type dcmsRoot struct {
	XMLName    xml.Name `xml:"resource"`
	Identifier struct {
		Text           string `xml:",chardata"`
		IdentifierType string `xml:"identifierType,attr"`
	} `xml:"identifier"`
	Titles struct {
		Title []string `xml:"title"`
	} `xml:"titles"`
}

// ValidateDcmsRecord validates qid's proposed DataCite metadata record and
// returns its normalized form (spec.md §4.F setMetadata, §6
// validateDcmsRecord). On failure the error is formatted as a single line so
// callers can embed it directly in the "element 'datacite'" bad-request
// message (spec.md §7 DataciteValidation).
func (c *Client) ValidateDcmsRecord(ctx context.Context, qid, rawXML string) (string, error) {
	doc, err := parseDcms(rawXML)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrValidation, oneLine(err.Error()))
	}

	if doc.Identifier.Text == "" {
		return "", fmt.Errorf("%w: missing required <identifier> element", ErrValidation)
	}
	if doc.Identifier.IdentifierType != "DOI" {
		return "", fmt.Errorf("%w: identifier identifierType must be \"DOI\"", ErrValidation)
	}
	if len(doc.Titles.Title) == 0 {
		return "", fmt.Errorf("%w: at least one <titles><title> is required", ErrValidation)
	}

	return strings.TrimSpace(rawXML), nil
}

func parseDcms(rawXML string) (*dcmsRoot, error) {
	dec := xml.NewDecoder(strings.NewReader(rawXML))
	var doc dcmsRoot
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed XML: %w", err)
	}
	ns := doc.XMLName.Space
	if ns != "" && !dcmsNamespaceRE.MatchString(ns) {
		return nil, fmt.Errorf("unrecognized DataCite schema namespace %q", ns)
	}
	return &doc, nil
}

func oneLine(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '\n' || r == '\r' {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
