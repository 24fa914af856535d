// Package contract implements the per-contract modal-logic commit
// validator (§4.5): an append-only signed commit log whose legality is
// governed entirely by the contract's accumulated rules and current
// model, replayed from genesis on every validation.
package contract

import (
	"encoding/json"

	"github.com/tolelom/modality/crypto"
)

// Method names a commit's special-case handling (§4.5).
type Method string

const (
	MethodGenesis Method = "genesis"
	MethodPost    Method = "post"
	MethodRule    Method = "rule"
	MethodAction  Method = "action"
	MethodDelete  Method = "delete"
	MethodInvoke  Method = "invoke"
	MethodCreate  Method = "create"
	MethodSend    Method = "send"
	MethodRecv    Method = "recv"
)

// Signature pairs a claimed public key with a signature over a commit's
// signing bytes.
type Signature struct {
	PubKeyHex string `json:"pubkey"`
	SigHex    string `json:"signature"`
}

// Commit is one append-only entry in a contract's log.
type Commit struct {
	ContractID string          `json:"contract_id"`
	ParentHash string          `json:"parent_hash"` // "" for genesis
	Method     Method          `json:"method"`
	Path       string          `json:"path,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Formula    string          `json:"formula,omitempty"` // for MethodRule
	Witness    json.RawMessage `json:"witness,omitempty"` // model JSON, for MethodRule/post-of-.modality
	Label      string          `json:"label,omitempty"`   // for MethodAction
	Params     json.RawMessage `json:"params,omitempty"`  // for MethodAction/MethodInvoke
	Timestamp  int64           `json:"timestamp"`
	Signatures []Signature     `json:"signatures"`
	Hash       string          `json:"hash"`
}

// signingBytes returns the canonical bytes signed over and hashed — every
// field except Signatures and Hash itself.
func (c Commit) signingBytes() []byte {
	cp := c
	cp.Signatures = nil
	cp.Hash = ""
	data, _ := json.Marshal(cp)
	return data
}

// SigningBytes exposes signingBytes to callers outside the package (wallets,
// multi-signature coordinators) that need to sign a commit before submitting
// it.
func (c Commit) SigningBytes() []byte {
	return c.signingBytes()
}

// ComputeHash returns the commit's content hash (SHA-256, matching the
// mining chain's hash family since commits are protocol-level objects like
// blocks, not DAG housekeeping).
func (c Commit) ComputeHash() string {
	return crypto.Hash(c.signingBytes())
}

// VerifySignatures checks every attached signature against its claimed
// public key over the commit's signing bytes.
func (c Commit) VerifySignatures() error {
	data := c.signingBytes()
	for i, sig := range c.Signatures {
		pub, err := crypto.PubKeyFromHex(sig.PubKeyHex)
		if err != nil {
			return newRejection(RejectBadSignature, "signature %d: %v", i, err)
		}
		if err := crypto.Verify(pub, data, sig.SigHex); err != nil {
			return newRejection(RejectBadSignature, "signature %d: %v", i, err)
		}
	}
	return nil
}

// Signers returns the peer ids of every signer on this commit.
func (c Commit) Signers() []string {
	out := make([]string, len(c.Signatures))
	for i, s := range c.Signatures {
		pub, err := crypto.PubKeyFromHex(s.PubKeyHex)
		if err != nil {
			continue
		}
		out[i] = pub.PeerID()
	}
	return out
}

// Rule is an accumulated immutable constraint on which models are
// acceptable, installed by a MethodRule commit.
type Rule struct {
	Formula string `json:"formula"`
}

// State is one node in a model's transition graph.
type State string

// Transition is one edge in a model's state machine, guarded by
// polarity-tagged predicates (§4.5 step 6).
type Transition struct {
	From        State             `json:"from"`
	To          State             `json:"to"`
	ActionLabel string            `json:"action_label,omitempty"`
	Predicates  []PredicateClause `json:"predicates"`
}

// PredicateClause is one polarity-tagged predicate invocation attached to
// a transition: `+p(args)` or `-p(args)`.
type PredicateClause struct {
	Negated bool     `json:"negated"`
	Name    string   `json:"name"`
	Args    []string `json:"args"`
}

// Model is a contract's state machine: initial state plus transitions.
// Models are themselves commit values (posted to a `.modality`-suffixed
// path, or attached as a rule's witness).
type Model struct {
	Initial     State        `json:"initial"`
	Transitions []Transition `json:"transitions"`
}

// TransitionsFrom returns every transition whose From matches state.
func (m Model) TransitionsFrom(state State) []Transition {
	var out []Transition
	for _, t := range m.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// AllStates returns the distinct set of states appearing in the model.
func (m Model) AllStates() []State {
	seen := map[State]bool{m.Initial: true}
	for _, t := range m.Transitions {
		seen[t.From] = true
		seen[t.To] = true
	}
	out := make([]State, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// PathStore is the flat key-value namespace a contract's commits mutate,
// mirroring the teacher's core/state.go Account/Asset maps but generalized
// to an arbitrary path → JSON-value namespace per §3/§4.5.
type PathStore map[string]json.RawMessage

// Clone returns a shallow copy safe for speculative mutation during replay.
func (p PathStore) Clone() PathStore {
	out := make(PathStore, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ReplayState is the reconstructed state after replaying a contract's log
// up to some point: the current model-state label, the installed model (if
// any), the accumulated rules, and the path namespace (§4.5 step 1).
type ReplayState struct {
	ContractID        string
	LastCommitHash    string
	CurrentModelState State
	Model             *Model
	Rules             []Rule
	Paths             PathStore
}
