// Package httpx holds small transport-layer helpers shared by the gateway
// and top-up handlers: JSON envelope shapes and request-id generation.
package httpx

import (
	"strconv"

	"github.com/oklog/ulid/v2"
)

// NewRequestID returns a lexicographically sortable request identifier
// (§4.5: "Every response includes a server-generated request_id"). ULID's
// canonical string form is used instead of a second UUID generator so log
// search can sort by arrival order (see SPEC_FULL.md §3).
func NewRequestID() string {
	return ulid.Make().String()
}

// ErrorBody is the shape of every non-2xx JSON error response (§7):
// "Every error body carries error: <kind> and optionally reason: <sub-kind>
// and request_id."
type ErrorBody struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewErrorBody constructs an ErrorBody with ok:false.
func NewErrorBody(kind, reason, requestID string) ErrorBody {
	return ErrorBody{OK: false, Error: kind, Reason: reason, RequestID: requestID}
}

// PaywallEnvelope is the exact 402 wire shape from §4.5.
type PaywallEnvelope struct {
	PriceCredits int64  `json:"price_credits"`
	Currency     string `json:"currency"`
	TopupURL     string `json:"topup_url"`
}

// NewPaywallEnvelope builds the 402 body for a debit of price credits (the
// full requested amount) that userID's balance cannot cover.
func NewPaywallEnvelope(price int64, userID string) PaywallEnvelope {
	return PaywallEnvelope{
		PriceCredits: price,
		Currency:     "USDC",
		TopupURL:     "/topup?need=" + strconv.FormatInt(price, 10) + "&user=" + userID,
	}
}
