// Package envelope implements the signed-rumor data model and the
// hash/signature/whitelist validator described for the gossip layer's
// inbound boundary.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ruvnet/ledgermesh/internal/peerid"
)

// Hash is a fixed-width content digest with content-equality.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// MarshalJSON renders the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a hex-encoded hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("envelope: invalid hash hex: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("envelope: expected %d hash bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// Proof is a single signature over a rumor's canonical bytes.
type Proof struct {
	Signer    peerid.PeerID `json:"signer"`
	Signature []byte        `json:"signature"`
}

// RumorKind tags the payload carried by a rumor so handlers can route
// on it without reflection.
type RumorKind string

const (
	KindConsensusFacility RumorKind = "ConsensusFacility"
	KindConsensusProposal RumorKind = "ConsensusProposal"
	KindMajoritySignature RumorKind = "MajoritySignature"
	KindDeregistration    RumorKind = "Deregistration"
	KindConsensusArtifact RumorKind = "ConsensusArtifact"
	KindHealthStatus      RumorKind = "ConsensusHealthStatus"
	// KindLedgerEvent carries an origin-ordered ledger event folded
	// into PeerEventBuffer; its content is opaque to the gossip and
	// consensus layers, which only need the origin/ordinal/is-trigger
	// envelope around it (the ledger application logic itself is out
	// of scope, reached only through ConsensusFunctions).
	KindLedgerEvent RumorKind = "LedgerEvent"
)

// Rumor is the sum type carried through gossip: either peer-attributed
// (must be signed by its origin) or common (origin-free, subject only
// to an optional whitelist).
type Rumor interface {
	isRumor()
	// CanonicalBytes returns the deterministic encoding hashed and
	// signed over. Canonical bytes are struct-tagged JSON: Go's
	// encoding/json emits struct fields in declaration order and map
	// keys sorted, which is sufficient determinism for a closed set of
	// wire types defined entirely in this package.
	CanonicalBytes() ([]byte, error)
}

// PeerRumor is attributed to a specific origin peer and must carry
// that peer's signature.
type PeerRumor struct {
	Origin      peerid.PeerID `json:"origin"`
	Ordinal     uint64        `json:"ordinal"`
	ContentType RumorKind     `json:"content_type"`
	Payload     []byte        `json:"payload"`
}

func (PeerRumor) isRumor() {}

func (r PeerRumor) CanonicalBytes() ([]byte, error) {
	return json.Marshal(r)
}

// CommonRumor has no origin constraint beyond the whitelist.
type CommonRumor struct {
	ContentType RumorKind `json:"content_type"`
	Payload     []byte    `json:"payload"`
}

func (CommonRumor) isRumor() {}

func (r CommonRumor) CanonicalBytes() ([]byte, error) {
	return json.Marshal(r)
}

// Signed pairs a rumor with the non-empty list of signature proofs
// that attest it.
type Signed struct {
	Value  Rumor   `json:"value"`
	Proofs []Proof `json:"proofs"`
}

// wireVariant is the kind tag used to round-trip the Rumor sum type
// through JSON, since Go interfaces carry no type information on the
// wire by themselves.
type wireVariant string

const (
	variantPeer   wireVariant = "peer"
	variantCommon wireVariant = "common"
)

type signedWire struct {
	Variant wireVariant     `json:"variant"`
	Peer    *PeerRumor      `json:"peer,omitempty"`
	Common  *CommonRumor    `json:"common,omitempty"`
	Proofs  []Proof         `json:"proofs"`
}

// MarshalJSON encodes Signed with an explicit variant tag so it
// survives a round trip through Unmarshal.
func (s Signed) MarshalJSON() ([]byte, error) {
	w := signedWire{Proofs: s.Proofs}
	switch v := s.Value.(type) {
	case PeerRumor:
		w.Variant = variantPeer
		w.Peer = &v
	case CommonRumor:
		w.Variant = variantCommon
		w.Common = &v
	default:
		return nil, fmt.Errorf("envelope: unknown rumor variant %T", s.Value)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Signed value, restoring the concrete Rumor
// variant from its tag.
func (s *Signed) UnmarshalJSON(data []byte) error {
	var w signedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Variant {
	case variantPeer:
		if w.Peer == nil {
			return fmt.Errorf("envelope: peer variant missing payload")
		}
		s.Value = *w.Peer
	case variantCommon:
		if w.Common == nil {
			return fmt.Errorf("envelope: common variant missing payload")
		}
		s.Value = *w.Common
	default:
		return fmt.Errorf("envelope: unknown rumor variant %q", w.Variant)
	}
	s.Proofs = w.Proofs
	return nil
}

// RumorEntry pairs a rumor's claimed hash with its signed value, the
// unit of membership in a RumorBatch.
type RumorEntry struct {
	Hash   Hash   `json:"hash"`
	Signed Signed `json:"signed"`
}

// RumorBatch is an ordered sequence of rumor entries. Ordering is
// preserved for deterministic replay, but membership (for
// deduplication purposes) is set semantics.
type RumorBatch []RumorEntry

// ComputeHash hashes the rumor's canonical encoding.
func ComputeHash(r Rumor) (Hash, error) {
	b, err := r.CanonicalBytes()
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(b), nil
}

// ValidationResult accumulates every failed check rather than
// short-circuiting on the first one, so a caller can log a complete
// picture of why a rumor was rejected.
type ValidationResult struct {
	HashMismatch      bool
	MissingOriginProof bool
	NoProofs           bool
	InvalidSigners     []peerid.PeerID
	NonWhitelisted     []peerid.PeerID
}

// OK reports whether every check passed.
func (v ValidationResult) OK() bool {
	return !v.HashMismatch && !v.MissingOriginProof && !v.NoProofs && len(v.InvalidSigners) == 0 && len(v.NonWhitelisted) == 0
}

func (v ValidationResult) Error() string {
	return fmt.Sprintf("envelope: invalid rumor (hash_mismatch=%v missing_origin_proof=%v no_proofs=%v invalid_signers=%d non_whitelisted=%d)",
		v.HashMismatch, v.MissingOriginProof, v.NoProofs, len(v.InvalidSigners), len(v.NonWhitelisted))
}

// PublicKeyLookup resolves a peer's ed25519 public key for signature
// verification.
type PublicKeyLookup func(peerid.PeerID) (ed25519.PublicKey, bool)

// Validator checks hash integrity, origin proof, signature validity,
// and (optionally) whitelist membership for an incoming Signed rumor.
type Validator struct {
	lookup    PublicKeyLookup
	whitelist peerid.Set // nil disables the whitelist check
}

// NewValidator builds a validator. Pass a nil whitelist to disable
// whitelist enforcement.
func NewValidator(lookup PublicKeyLookup, whitelist peerid.Set) *Validator {
	return &Validator{lookup: lookup, whitelist: whitelist}
}

// Validate runs every check against the claimed hash, accumulating
// all failures.
func (v *Validator) Validate(claimed Hash, signed Signed) ValidationResult {
	var result ValidationResult

	actual, err := ComputeHash(signed.Value)
	if err != nil || actual != claimed {
		result.HashMismatch = true
	}

	if len(signed.Proofs) == 0 {
		result.NoProofs = true
	}

	if pr, ok := signed.Value.(PeerRumor); ok {
		found := false
		for _, p := range signed.Proofs {
			if p.Signer == pr.Origin {
				found = true
				break
			}
		}
		if !found {
			result.MissingOriginProof = true
		}
	}

	canonical, cerr := signed.Value.CanonicalBytes()
	for _, proof := range signed.Proofs {
		if cerr != nil {
			result.InvalidSigners = append(result.InvalidSigners, proof.Signer)
			continue
		}
		pub, ok := v.lookup(proof.Signer)
		if !ok || !ed25519.Verify(pub, canonical, proof.Signature) {
			result.InvalidSigners = append(result.InvalidSigners, proof.Signer)
		}
	}

	if v.whitelist != nil {
		for _, proof := range signed.Proofs {
			if !v.whitelist.Contains(proof.Signer) {
				result.NonWhitelisted = append(result.NonWhitelisted, proof.Signer)
			}
		}
	}

	return result
}

// Sign produces a Proof over a rumor's canonical bytes using the
// caller's ed25519 private key.
func Sign(self peerid.PeerID, priv ed25519.PrivateKey, r Rumor) (Proof, error) {
	b, err := r.CanonicalBytes()
	if err != nil {
		return Proof{}, err
	}
	return Proof{Signer: self, Signature: ed25519.Sign(priv, b)}, nil
}

// SignDigest produces a Proof directly over a 32-byte digest (e.g. a
// consensus.Artifact's Hash), used for the consensus manager's
// majority-signature proofs rather than rumor provenance proofs: the
// thing being signed there is already a content hash, not a Rumor
// value, so this skips the Rumor/CanonicalBytes indirection Sign uses.
func SignDigest(self peerid.PeerID, priv ed25519.PrivateKey, digest [32]byte) (Proof, error) {
	return Proof{Signer: self, Signature: ed25519.Sign(priv, digest[:])}, nil
}
