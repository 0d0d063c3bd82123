package compress

import (
	"strconv"
	"strings"
)

// Offer is one coding from an Accept-Encoding header.
type Offer struct {
	Coding string
	Q      float64
}

// ParseAcceptEncoding splits an Accept-Encoding value into offers in the
// order the client listed them. Codings are lowercased; a malformed q-value
// yields q=0. "x-gzip" is reported as "gzip".
func ParseAcceptEncoding(v string) []Offer {
	var offers []Offer
	for _, part := range strings.Split(v, ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding == "" {
			continue
		}
		if coding == "x-gzip" {
			coding = "gzip"
		}
		offers = append(offers, Offer{Coding: coding, Q: parseQ(params)})
	}
	return offers
}

func parseQ(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.ToLower(strings.TrimSpace(k)) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || q < 0 || q > 1 {
			return 0
		}
		return q
	}
	return 1
}

// Negotiate picks the enabled encoding with the highest client weight.
// Equal weights resolve by ServerOrder. An explicit entry for a coding
// overrides "*". ok is false when nothing acceptable was offered.
func (p *Policy) Negotiate(acceptEncoding string) (Encoding, bool) {
	offers := ParseAcceptEncoding(acceptEncoding)
	if len(offers) == 0 {
		return "", false
	}

	var (
		best  Encoding
		bestQ float64
	)
	for _, enc := range ServerOrder {
		if !p.Enabled(enc) {
			continue
		}
		q := weight(offers, enc)
		if q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best, bestQ > 0
}

func weight(offers []Offer, enc Encoding) float64 {
	wildcard := -1.0
	for _, o := range offers {
		switch o.Coding {
		case string(enc):
			return o.Q
		case "*":
			wildcard = o.Q
		}
	}
	if wildcard < 0 {
		return 0
	}
	return wildcard
}
