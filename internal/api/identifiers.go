package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/coordinator"
)

// maxBodyBytes bounds a metadata request body — identifier element maps are
// small; this guards against a client streaming an unbounded body.
const maxBodyBytes = 1 << 20

// IdentifierHandler implements the public identifier-operation endpoints
// (spec.md §4.F mint/create/get/set) over the plain-text wire protocol
// spec.md §6 specifies. It is the one place in this module that turns a
// coordinator.Result back into bytes on the wire.
type IdentifierHandler struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewIdentifierHandler creates an IdentifierHandler.
func NewIdentifierHandler(coord *coordinator.Coordinator, logger *zap.Logger) *IdentifierHandler {
	return &IdentifierHandler{coord: coord, logger: logger.Named("identifier_handler")}
}

// Mint handles POST /ezid/shoulder/{shoulder}. The shoulder path segment is
// the scheme-qualified prefix (e.g. "ark:/13030/fk4", "doi:10.5072/FK2").
// The request body, if present, is ANVL; "_target" sets the initial target
// URL and every other element is applied via setMetadata once the mint
// succeeds.
func (h *IdentifierHandler) Mint(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "*")
	elements, ok := h.readANVLBody(w, r)
	if !ok {
		return
	}

	a := actorFromCtx(r.Context())
	target := elements["_target"]
	delete(elements, "_target")

	result := h.coord.MintIdentifier(r.Context(), prefix, a.user, a.group, target)
	h.writeFollowUp(w, r, result, elements, a)
}

// Create handles PUT /ezid/id/{identifier}. The identifier path segment is
// scheme-qualified (e.g. "ark:/13030/fk4xyz", "doi:10.5072/FK2abc"). Body
// handling matches Mint.
func (h *IdentifierHandler) Create(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "*")
	elements, ok := h.readANVLBody(w, r)
	if !ok {
		return
	}

	a := actorFromCtx(r.Context())
	target := elements["_target"]
	delete(elements, "_target")

	result := h.coord.CreateIdentifier(r.Context(), rawID, a.user, a.group, target)
	h.writeFollowUp(w, r, result, elements, a)
}

// writeFollowUp writes result as-is if it did not succeed, or if there are
// no extra elements to apply; otherwise it chains a setMetadata call with
// the remaining elements and still reports the original create/mint result.
// A failed follow-up is logged, not reported to the client.
func (h *IdentifierHandler) writeFollowUp(w http.ResponseWriter, r *http.Request, result coordinator.Result, extra map[string]string, a actor) {
	if result.Kind != coordinator.KindSuccess || len(extra) == 0 {
		PlainText(w, statusFor(result), result.String())
		return
	}

	id, _ := result.Payload.(string)
	follow := h.coord.SetMetadata(r.Context(), idFromCreateResult(id), a.user, a.group, extra, true)
	if follow.Kind != coordinator.KindSuccess {
		// The identifier was created; only the follow-up metadata failed.
		// Report the original success — the client can retry setMetadata.
		h.logger.Warn("post-create setMetadata failed", zap.String("id", id))
	}
	PlainText(w, statusFor(result), result.String())
}

// idFromCreateResult recovers a fully scheme-qualified identifier string
// from a createIdentifier/mintIdentifier success payload, which is rendered
// either scheme-less (ARK) or as "<id> | <shadow ark>" (DOI/URN).
func idFromCreateResult(payload string) string {
	for i := 0; i < len(payload); i++ {
		if payload[i] == ' ' {
			return payload[:i]
		}
	}
	if payload == "" {
		return ""
	}
	if payload[0] == '/' {
		return "ark:" + payload
	}
	return payload
}

// Get handles GET /ezid/id/{identifier} (spec.md §4.F getMetadata).
func (h *IdentifierHandler) Get(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "*")
	result := h.coord.GetMetadata(r.Context(), rawID)

	if result.Kind != coordinator.KindSuccess {
		PlainText(w, statusFor(result), result.String())
		return
	}

	payload, ok := result.Payload.(map[string]any)
	if !ok {
		PlainText(w, http.StatusInternalServerError, "error: internal server error")
		return
	}
	qid, _ := payload["id"].(string)
	metadata, _ := payload["metadata"].(map[string]string)

	body := "success: " + qid + "\n" + encodeANVL(metadata)
	PlainText(w, http.StatusOK, body)
}

// Set handles POST /ezid/id/{identifier} (spec.md §4.F setMetadata).
func (h *IdentifierHandler) Set(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "*")
	elements, ok := h.readANVLBody(w, r)
	if !ok {
		return
	}
	if len(elements) == 0 {
		PlainText(w, http.StatusBadRequest, "error: bad request - empty request body")
		return
	}

	a := actorFromCtx(r.Context())
	result := h.coord.SetMetadata(r.Context(), rawID, a.user, a.group, elements, true)
	PlainText(w, statusFor(result), result.String())
}

// readANVLBody reads and parses the request body as ANVL. An empty body is
// valid and yields an empty map. Writes a 400 and returns ok=false on a
// malformed body or a body read error.
func (h *IdentifierHandler) readANVLBody(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		PlainText(w, http.StatusBadRequest, "error: bad request - could not read request body")
		return nil, false
	}
	if len(raw) == 0 {
		return map[string]string{}, true
	}

	elements, err := decodeANVL(string(raw))
	if err != nil {
		PlainText(w, http.StatusBadRequest, "error: bad request - malformed request body")
		return nil, false
	}
	return elements, true
}

// statusFor maps a coordinator.Result's Kind to the HTTP status the EZID
// wire protocol expects.
func statusFor(result coordinator.Result) int {
	switch result.Kind {
	case coordinator.KindSuccess:
		return http.StatusOK
	case coordinator.KindUnauthorized:
		return http.StatusUnauthorized
	case coordinator.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
