// Package acme implements the ACME v1 wire protocol: nonce-tracked
// transport, the flattened JWS signed-request envelope, and the small set
// of resource operations (new-reg, new-authz, challenge, new-cert) the
// lifecycle controller drives. Modeled on the teacher's load-generator
// ACME client (test/load-generator/boulder-calls.go), adapted from the
// go-jose.v2 Signer-based v2 envelope it exercises to the unsigned,
// hand-built v1 envelope this client must produce.
package acme

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/harborcrypt/acmeclient/core"
)

// Directory is the CA's published resource map, fetched once per run from
// CA + "/directory" (§4.3).
type Directory struct {
	NewReg   string `json:"new-reg"`
	NewAuthz string `json:"new-authz"`
	NewCert  string `json:"new-cert"`
	Revoke   string `json:"revoke-cert"`
}

// FetchDirectory retrieves and decodes the directory resource, and seeds
// the transport's nonce from whichever header the CA exposes on this
// first response so the very first signed POST doesn't need a second
// round trip.
func FetchDirectory(ctx context.Context, t *Transport, baseURL string) (*Directory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/directory", nil)
	if err != nil {
		return nil, fmt.Errorf("building directory request: %w", err)
	}
	resp, err := t.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching ACME directory: %w", err)
	}
	defer resp.Body.Close()

	t.captureNonce(resp.Header)

	var dir Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("decoding ACME directory: %w", err)
	}
	return &dir, nil
}

// ResourcePayload stamps the ACME v1 "resource" discriminator required on
// every signed payload (§SPEC_FULL ACME wire) onto a map of payload
// fields and returns the JSON encoding.
func ResourcePayload(resource core.AcmeResource, fields map[string]interface{}) ([]byte, error) {
	payload := map[string]interface{}{"resource": string(resource)}
	for k, v := range fields {
		payload[k] = v
	}
	return json.Marshal(payload)
}
