package engine

import (
	"time"

	"github.com/blockadesystems/certflow/internal/model"
)

// Wire payloads and responses for the ACME v2 resources the engines touch
// (RFC 8555 section 7).

type newAccountPayload struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
}

type updateAccountPayload struct {
	Contact []string `json:"contact"`
}

type deactivatePayload struct {
	Status string `json:"status"`
}

type accountResponse struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
	Orders  string   `json:"orders,omitempty"`
}

type wireIdentifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type newOrderPayload struct {
	Identifiers []wireIdentifier `json:"identifiers"`
}

type orderResponse struct {
	Status         string                `json:"status"`
	Expires        time.Time             `json:"expires,omitempty"`
	Identifiers    []wireIdentifier      `json:"identifiers,omitempty"`
	Authorizations []string              `json:"authorizations,omitempty"`
	Finalize       string                `json:"finalize,omitempty"`
	Certificate    string                `json:"certificate,omitempty"`
	Error          *model.ProblemDetails `json:"error,omitempty"`
}

type finalizePayload struct {
	CSR string `json:"csr"` // base64url DER, no padding
}

type authorizationResponse struct {
	Status     string              `json:"status"`
	Expires    time.Time           `json:"expires,omitempty"`
	Identifier wireIdentifier      `json:"identifier"`
	Wildcard   bool                `json:"wildcard,omitempty"`
	Challenges []challengeResponse `json:"challenges,omitempty"`
}

type challengeResponse struct {
	Type      string                `json:"type"`
	URL       string                `json:"url"`
	Status    string                `json:"status"`
	Token     string                `json:"token,omitempty"`
	Validated time.Time             `json:"validated,omitempty"`
	Error     *model.ProblemDetails `json:"error,omitempty"`
}

type revokePayload struct {
	Certificate string `json:"certificate"` // base64url DER, no padding
	Reason      int    `json:"reason,omitempty"`
}
