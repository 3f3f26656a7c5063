package acme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/harborcrypt/acmeclient/core"
	acmeerrors "github.com/harborcrypt/acmeclient/errors"
	"github.com/harborcrypt/acmeclient/jose"
)

// envelope is the ACME v1 flattened JWS shape: a non-standard top-level
// "header" carrying the bare JWK alongside the usual protected/payload/
// signature triple (§4.4).
type envelope struct {
	Header    envelopeHeader `json:"header"`
	Protected string         `json:"protected"`
	Payload   string         `json:"payload"`
	Signature string         `json:"signature"`
}

type envelopeHeader struct {
	Alg string          `json:"alg"`
	JWK json.RawMessage `json:"jwk"`
}

type protectedHeader struct {
	Alg   string          `json:"alg"`
	JWK   json.RawMessage `json:"jwk"`
	Nonce string          `json:"nonce"`
}

// Response is the decoded result of a signed POST: status, the full
// response header set (so callers can pull Location/Link), and the raw
// body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// SignedRequestEngine composes and posts ACME v1 JWS envelopes over a
// Transport using a single account key (§4.4).
type SignedRequestEngine struct {
	Transport *Transport
	Account   *jose.Account
}

// NewSignedRequestEngine pairs a Transport with the account key every
// signed request in this run will be signed with.
func NewSignedRequestEngine(t *Transport, account *jose.Account) *SignedRequestEngine {
	return &SignedRequestEngine{Transport: t, Account: account}
}

// SendSigned builds the envelope described in §4.4 and POSTs it to url,
// returning the full response. payloadJSON must already carry the ACME
// "resource" discriminator (see ResourcePayload).
func (e *SignedRequestEngine) SendSigned(ctx context.Context, url string, payloadJSON []byte) (*Response, error) {
	jwkJSON, err := e.Account.JWKJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling account JWK: %w", err)
	}

	nonce, err := e.Transport.nextNonce(ctx)
	if err != nil {
		return nil, err
	}

	protected, err := json.Marshal(protectedHeader{Alg: "RS256", JWK: jwkJSON, Nonce: nonce})
	if err != nil {
		return nil, fmt.Errorf("marshaling protected header: %w", err)
	}
	protected64 := core.Base64URLEncode(protected)
	payload64 := core.Base64URLEncode(payloadJSON)

	sig, err := e.Account.SignRS256(protected64, payload64)
	if err != nil {
		return nil, fmt.Errorf("signing JWS: %w", err)
	}

	body, err := json.Marshal(envelope{
		Header:    envelopeHeader{Alg: "RS256", JWK: jwkJSON},
		Protected: protected64,
		Payload:   payload64,
		Signature: core.Base64URLEncode(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building signed request to %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/jose+json")

	resp, err := e.Transport.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	e.Transport.captureNonce(resp.Header)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, acmeerrors.TransportError("reading response body from %s: %v", url, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// Get performs an unsigned GET, used to retrieve an authorization object,
// a challenge's polled status, or the issued certificate via its
// Location/Link header (§4.6 steps 10-11).
func (e *SignedRequestEngine) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building GET %s: %w", url, err)
	}
	resp, err := e.Transport.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	e.Transport.captureNonce(resp.Header)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, acmeerrors.TransportError("reading response body from %s: %v", url, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// ProblemFromBody attempts to decode an ACME "application/problem+json"
// error body, falling back to a generic transport error when the body
// isn't a recognizable problem document.
func ProblemFromBody(statusCode int, body []byte) error {
	var p core.ProblemDetails
	if err := json.Unmarshal(body, &p); err != nil || p.Type == "" {
		return acmeerrors.TransportError("unexpected status %d: %s", statusCode, body)
	}
	return &p
}
