// Package crypto holds the hashing and token primitives the authorization flow is built on.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rs/xid"
	"golang.org/x/crypto/bcrypt"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

const (
	// TokenPrefix marks single-use intent tokens.
	TokenPrefix = "rct_"

	// TokenBytes is the entropy of generated tokens (256 bit).
	TokenBytes = 32
)

// GenesisHash seeds the audit chain in place of a previous entry hash.
var GenesisHash = strings.Repeat("0", 64)

// Canonicalize returns the RFC 8785 form of v's JSON encoding.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing: %w", err)
	}
	return out, nil
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

type payloadEnvelope struct {
	Kind    core.ActionKind `json:"kind"`
	Payload core.Payload    `json:"payload"`
}

// HashPayload binds a typed payload and its kind to one digest.
// Field order of the original document has no influence on the result.
func HashPayload(payload core.Payload) (string, error) {
	if payload == nil {
		return "", errors.New("payload is nil")
	}
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}
	return sum(canonical), nil
}

// CanonicalPayload returns the canonical JSON that HashPayload digests.
func CanonicalPayload(payload core.Payload) ([]byte, error) {
	return Canonicalize(payloadEnvelope{Kind: payload.Kind(), Payload: payload})
}

// HashRawPayload decodes raw into the variant for kind and hashes it.
func HashRawPayload(kind core.ActionKind, raw []byte) (string, core.Payload, error) {
	payload, err := core.DecodePayload(kind, raw)
	if err != nil {
		return "", nil, err
	}
	hash, err := HashPayload(payload)
	if err != nil {
		return "", nil, err
	}
	return hash, payload, nil
}

// GenerateSecureToken returns a fresh bearer token. Only its HashToken is ever stored.
func GenerateSecureToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateSecret returns a fresh agent secret without prefix.
func GenerateSecret() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the hex SHA-256 of token. Only this hash of an intent token is stored.
func HashToken(token string) string {
	return sum([]byte(token))
}

// HashAgentSecret hashes an agent secret with bcrypt. A cost of zero uses bcrypt.DefaultCost.
func HashAgentSecret(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(h), nil
}

// VerifyAgentSecret reports whether secret matches hash.
func VerifyAgentSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// GenerateClaimID returns a short, sortable, collision resistant id for onboarding links.
func GenerateClaimID() string {
	return xid.New().String()
}

// auditHashable is the part of an audit entry covered by its chain hash.
// Time is carried as a string to keep nanosecond precision through canonicalization.
type auditHashable struct {
	ID          string            `json:"id"`
	Sequence    uint64            `json:"sequence"`
	Time        string            `json:"time"`
	SubjectType core.SubjectType  `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	Event       core.AuditEvent   `json:"event"`
	ActorType   core.ActorType    `json:"actor_type"`
	ActorID     string            `json:"actor_id"`
	PayloadHash string            `json:"payload_hash"`
	FailureKind core.ErrorKind    `json:"failure_kind"`
	Metadata    map[string]string `json:"metadata"`
}

// ComputeAuditLogHash chains entry onto previousHash.
func ComputeAuditLogHash(previousHash string, entry core.AuditEntry) (string, error) {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	canonical, err := Canonicalize(auditHashable{
		ID:          entry.ID,
		Sequence:    entry.Sequence,
		Time:        entry.Time.UTC().Format(time.RFC3339Nano),
		SubjectType: entry.SubjectType,
		SubjectID:   entry.SubjectID,
		Event:       entry.Event,
		ActorType:   entry.ActorType,
		ActorID:     entry.ActorID,
		PayloadHash: entry.PayloadHash,
		FailureKind: entry.FailureKind,
		Metadata:    metadata,
	})
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write([]byte("\n"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashPlan derives a plan hash over the ordered payload hashes of its members.
func HashPlan(payloadHashes []string) (string, error) {
	if payloadHashes == nil {
		payloadHashes = []string{}
	}
	canonical, err := Canonicalize(payloadHashes)
	if err != nil {
		return "", err
	}
	return sum(canonical), nil
}
