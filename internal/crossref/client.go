package crossref

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html/charset"
)

// successMarker is the literal substring Crossref's submission endpoint
// writes on acceptance (spec.md §4.H submit).
const successMarker = "Your batch submission was successfully received."

// sentinelDeleteURL is substituted for the target URL on a delete operation,
// since a deleted identifier no longer resolves anywhere (spec.md §4.J
// DoDeposit).
const sentinelDeleteURL = "http://datacite.org/invalidDOI"

// Client submits deposits and polls results against the Crossref-style
// submission wire (spec.md §4.H, §6).
type Client struct {
	httpClient            *http.Client
	realServer, testServer string
	depositURL, resultsURL string
	username, password     string
}

// Config configures a Client from the registrar configuration block
// (spec.md §6 "Registrar block").
type Config struct {
	RealServer string
	TestServer string
	DepositURL string
	ResultsURL string
	Username   string
	Password   string
}

// New constructs a Client.
func New(cfg Config) *Client {
	return &Client{
		httpClient: http.DefaultClient,
		realServer: cfg.RealServer, testServer: cfg.TestServer,
		depositURL: cfg.DepositURL, resultsURL: cfg.ResultsURL,
		username: cfg.Username, password: cfg.Password,
	}
}

// isTestDOI reports whether doi belongs to Crossref's reserved test prefix.
func isTestDOI(doi string) bool {
	return strings.HasPrefix(doi, "10.5072/") || strings.HasPrefix(doi, "10.5438/")
}

// Submit posts env to the deposit endpoint, routing to the test or real
// server depending on whether doi is a Crossref test DOI (spec.md §4.H
// submit). Returns nil on the literal success marker; any other outcome,
// including a non-2xx response, is an error with the response body
// (truncated) appended.
func (c *Client) Submit(ctx context.Context, doi string, env *Envelope) error {
	server := c.realServer
	if isTestDOI(doi) {
		server = c.testServer
	}
	target := strings.TrimRight(server, "/") + c.depositURL

	body, contentType, err := c.multipartBody(env.BatchID, env.XML)
	if err != nil {
		return fmt.Errorf("crossref: building multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return fmt.Errorf("crossref: building submit request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crossref: submit request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("crossref: submit returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if !bytes.Contains(respBody, []byte(successMarker)) {
		return fmt.Errorf("crossref: submission not accepted: %s", string(respBody))
	}
	return nil
}

// multipartBody builds the multipart/form-data submission described in
// spec.md §4.H: operation, login_id, login_passwd fields and a single file
// part. The boundary is generated by rejection sampling on a random token
// so it cannot collide with the XML payload's content.
func (c *Client) multipartBody(batchID string, xmlContent []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for i := 0; i < 64; i++ {
		boundary, err := randomBoundary()
		if err != nil {
			return nil, "", err
		}
		if bytes.Contains(xmlContent, []byte(boundary)) {
			continue
		}
		if err := w.SetBoundary(boundary); err == nil {
			break
		}
	}

	if err := w.WriteField("operation", "doMDUpload"); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("login_id", c.username); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("login_passwd", c.password); err != nil {
		return nil, "", err
	}

	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="fname"; filename=%q`, batchID+".xml")}
	header["Content-Type"] = []string{"application/xml; charset=UTF-8"}
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(xmlContent); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func randomBoundary() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("crossref: generating boundary: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// PollOutcome tags the classification Poll returns (spec.md §4.H poll).
type PollOutcome int

const (
	PollSubmitted PollOutcome = iota
	PollCompletedSuccess
	PollCompletedWarning
	PollCompletedFailure
	PollUnknown
)

// diagnostic is the decoded shape of a doi_batch_diagnostic result document.
type diagnostic struct {
	XMLName xml.Name `xml:"doi_batch_diagnostic"`
	Status  string   `xml:"status,attr"`
	Records []struct {
		Status           string   `xml:"status,attr"`
		Msg              string   `xml:"msg"`
		ConflictID       string   `xml:"conflict_id"`
		DoisInConflict   []string `xml:"dois_in_conflict>doi"`
	} `xml:"record_diagnostic"`
}

// Poll GETs the results endpoint for batchID and classifies the outcome
// (spec.md §4.H poll). A parse or structural failure collapses to
// PollUnknown, which the daemon leaves untouched for the next cycle.
func (c *Client) Poll(ctx context.Context, batchID string) (PollOutcome, string) {
	q := url.Values{}
	q.Set("usr", c.username)
	q.Set("pwd", c.password)
	q.Set("file_name", batchID+".xml")
	q.Set("type", "result")

	target := c.resultsURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return PollUnknown, ""
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PollUnknown, ""
	}
	defer resp.Body.Close()

	dec := xml.NewDecoder(resp.Body)
	dec.CharsetReader = charset.NewReaderLabel

	var diag diagnostic
	if err := dec.Decode(&diag); err != nil {
		return PollUnknown, ""
	}

	if diag.Status != "completed" {
		return PollSubmitted, diag.Status
	}

	for _, rec := range diag.Records {
		if rec.Status != "Warning" && rec.Status != "Failure" {
			continue
		}
		var msg strings.Builder
		msg.WriteString(rec.Msg)
		if rec.ConflictID != "" {
			fmt.Fprintf(&msg, "\nconflict_id=%s", rec.ConflictID)
		}
		for _, d := range rec.DoisInConflict {
			fmt.Fprintf(&msg, "\nin conflict with: %s", d)
		}
		if rec.Status == "Warning" {
			return PollCompletedWarning, msg.String()
		}
		return PollCompletedFailure, msg.String()
	}

	return PollCompletedSuccess, ""
}

// DepositURLFor returns the outbound target URL DoDeposit should embed for
// a queue entry's operation (spec.md §4.J DoDeposit): the stored _t/_st
// target for create/update, or a fixed sentinel for delete.
func DepositURLFor(operation, storedTarget string) string {
	if operation == "delete" {
		return sentinelDeleteURL
	}
	return storedTarget
}

// ShouldWithdrawTitles implements spec.md §4.J's withdrawTitles rule: true
// for delete operations, or when the identifier's status begins with
// "unavailable".
func ShouldWithdrawTitles(operation, status string) bool {
	return operation == "delete" || strings.HasPrefix(status, "unavailable")
}

// CrossrefStatusElement renders the "_crossref" status value written back
// into identifier metadata by DoPoll (spec.md §4.J).
func CrossrefStatusElement(outcome PollOutcome, message string) string {
	switch outcome {
	case PollCompletedSuccess:
		return "CR_SUCCESS/"
	case PollCompletedWarning:
		return "CR_WARNING/" + oneLine(message)
	case PollCompletedFailure:
		return "CR_FAILURE/" + oneLine(message)
	default:
		return ""
	}
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
