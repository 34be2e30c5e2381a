// Package cachekey computes the deterministic fingerprint used to look up
// and store cache entries. The CacheableProjection serializer is treated as
// a stable contract: any change to its field set or canonicalization is a
// cache-invalidating event, so a projection-version byte is folded into the
// hashed input to keep cross-version hits from ever occurring silently.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// projectionVersion is bumped whenever the CacheableProjection shape or its
// canonicalization rules change.
const projectionVersion = 1

// Policy controls which optional fields participate in a request's
// projection; it mirrors UnifiedRequest.cache_policy from the data model.
type Policy struct {
	Exclude          []string
	AllowNonDeterministic bool
	OptOut           bool
}

// projection is the canonical, serializable subset of a request used to
// compute its fingerprint. Field order and names here are the hashed
// contract — never reorder or rename without bumping projectionVersion.
type projection struct {
	V        int               `json:"v"`
	Model    string            `json:"model"`
	Messages []providers.Message `json:"messages"`
	Temp     string            `json:"temp"`
	MaxTok   int               `json:"max_tokens"`
}

// Key is a 32-byte SHA-256 digest rendered as a lowercase hex string, used
// verbatim as the L1 map key and the L2 store key.
type Key string

// Compute derives the CacheKey for req. Two requests with equal
// CacheableProjection (model, message sequence, rounded temperature,
// max_tokens, modulo policy.Exclude) always produce equal keys (P1).
func Compute(req *providers.ProxyRequest, policy Policy) Key {
	p := projection{
		V:        projectionVersion,
		Model:    req.Model,
		Messages: append([]providers.Message(nil), req.Messages...),
		Temp:     fmt.Sprintf("%.2f", req.Temperature),
		MaxTok:   req.MaxTokens,
	}

	for _, field := range policy.Exclude {
		switch field {
		case "model":
			p.Model = ""
		case "max_tokens":
			p.MaxTok = 0
		case "temperature":
			p.Temp = ""
		}
	}

	// Deliberately excluded per the CacheableProjection contract: stream,
	// request_id, metadata. No workspace/API-key scoping is part of this
	// fingerprint, and the gateway uses it as the cache key unchanged.
	b, err := json.Marshal(p)
	if err != nil {
		// json.Marshal on this struct cannot fail; surface a sentinel digest
		// instead of propagating an error through a pure function.
		b = []byte(fmt.Sprintf("unmarshalable:%v", err))
	}

	sum := sha256.Sum256(b)
	return Key(hex.EncodeToString(sum[:]))
}

// Cacheable applies the cacheability gate from §4.1: a response may be
// stored iff its finish_reason is stop/length, the request used
// temperature==0 or explicitly opted in to non-deterministic caching, the
// response was not an error, and cache_policy.opt_out is false.
func Cacheable(finishReason string, temperature float64, policy Policy, isError bool) bool {
	if policy.OptOut || isError {
		return false
	}
	switch finishReason {
	case "stop", "length":
	default:
		return false
	}
	if temperature != 0 && !policy.AllowNonDeterministic {
		return false
	}
	return true
}
