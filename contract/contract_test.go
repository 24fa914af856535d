package contract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tolelom/modality/crypto"
)

func sign(t *testing.T, priv crypto.PrivateKey, c *Commit) {
	t.Helper()
	c.Signatures = []Signature{{PubKeyHex: priv.Public().Hex(), SigHex: crypto.Sign(priv, c.signingBytes())}}
	c.Hash = c.ComputeHash()
}

func TestGenesisThenPost(t *testing.T) {
	_, priv, err := genKey()
	require.NoError(t, err)

	v := NewValidator()
	state := &ReplayState{ContractID: "c1", Paths: PathStore{}}

	genesis := Commit{ContractID: "c1", Method: MethodGenesis}
	genesis.Hash = genesis.ComputeHash()
	next, err := v.Validate(state, genesis)
	require.NoError(t, err)

	post := Commit{ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodPost, Path: "greeting", Value: json.RawMessage(`"hello"`)}
	sign(t, priv, &post)
	next2, err := v.Validate(next, post)
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`"hello"`), next2.Paths["greeting"])
}

func TestRuleRequiresSatisfyingWitness(t *testing.T) {
	_, priv, err := genKey()
	require.NoError(t, err)

	v := NewValidator()
	state := &ReplayState{ContractID: "c1", Paths: PathStore{}}
	genesis := Commit{ContractID: "c1", Method: MethodGenesis}
	genesis.Hash = genesis.ComputeHash()
	next, err := v.Validate(state, genesis)
	require.NoError(t, err)

	witness := Model{
		Initial: "idle",
		Transitions: []Transition{
			{From: "idle", To: "active", ActionLabel: "activate"},
		},
	}
	witnessJSON, _ := json.Marshal(witness)

	rule := Commit{
		ContractID: "c1",
		ParentHash: next.LastCommitHash,
		Method:     MethodRule,
		Formula:    "eventually(prop(done))",
		Witness:    witnessJSON,
	}
	sign(t, priv, &rule)

	// The witness never reaches a "done" proposition, so it must be rejected.
	_, err = v.Validate(next, rule)
	require.Error(t, err)
	require.True(t, IsRejection(err, RejectRuleViolation))
}

func TestActionTransitionAdvancesState(t *testing.T) {
	_, priv, err := genKey()
	require.NoError(t, err)
	pub := priv.Public()

	v := NewValidator()
	state := &ReplayState{ContractID: "c1", Paths: PathStore{}}
	genesis := Commit{ContractID: "c1", Method: MethodGenesis}
	genesis.Hash = genesis.ComputeHash()
	next, err := v.Validate(state, genesis)
	require.NoError(t, err)

	model := Model{
		Initial: "idle",
		Transitions: []Transition{
			{From: "idle", To: "active", ActionLabel: "activate", Predicates: []PredicateClause{
				{Name: "signed_by", Args: []string{"owner"}},
			}},
		},
	}
	// The owner path is written before the model is installed: once a model
	// is in place, every commit must enable one of its transitions.
	ownerPost := Commit{ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodPost, Path: "owner", Value: json.RawMessage(`"` + pub.PeerID() + `"`)}
	sign(t, priv, &ownerPost)
	next, err = v.Validate(next, ownerPost)
	require.NoError(t, err)

	modelJSON, _ := json.Marshal(model)
	post := Commit{ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodPost, Path: "model.modality", Value: modelJSON}
	sign(t, priv, &post)
	next, err = v.Validate(next, post)
	require.NoError(t, err)
	require.Equal(t, State("idle"), next.CurrentModelState)

	action := Commit{ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodAction, Label: "activate"}
	sign(t, priv, &action)
	next, err = v.Validate(next, action)
	require.NoError(t, err)
	require.Equal(t, State("active"), next.CurrentModelState)
}

func TestAssetCreateSendRecv(t *testing.T) {
	_, priv, err := genKey()
	require.NoError(t, err)
	owner := priv.Public().PeerID()

	v := NewValidator()
	state := &ReplayState{ContractID: "c1", Paths: PathStore{}}
	genesis := Commit{ContractID: "c1", Method: MethodGenesis}
	genesis.Hash = genesis.ComputeHash()
	next, err := v.Validate(state, genesis)
	require.NoError(t, err)

	create := Commit{
		ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodCreate, Path: "gold",
		Value: json.RawMessage(`{"quantity":100,"divisibility":1}`),
	}
	sign(t, priv, &create)
	next, err = v.Validate(next, create)
	require.NoError(t, err)
	require.Equal(t, json.RawMessage("100"), next.Paths["balances/gold/"+owner])

	recreate := Commit{
		ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodCreate, Path: "gold",
		Value: json.RawMessage(`{"quantity":100,"divisibility":1}`),
	}
	sign(t, priv, &recreate)
	_, err = v.Validate(next, recreate) // re-creating the same asset must fail
	require.Error(t, err)

	send := Commit{
		ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodSend, Path: "xfer1",
		Value: json.RawMessage(`{"asset_id":"gold","amount":30,"from":"` + owner + `","to":"c1"}`),
	}
	sign(t, priv, &send)
	next, err = v.Validate(next, send)
	require.NoError(t, err)
	require.Equal(t, json.RawMessage("70"), next.Paths["balances/gold/"+owner])
	require.NotNil(t, next.Paths["transfers/xfer1"])

	recv := Commit{
		ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodRecv,
		Value: json.RawMessage(`{"send_path":"xfer1"}`),
	}
	sign(t, priv, &recv)
	next, err = v.Validate(next, recv)
	require.NoError(t, err)
	require.Equal(t, json.RawMessage("30"), next.Paths["balances/gold/c1"])

	recvAgain := Commit{
		ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodRecv,
		Value: json.RawMessage(`{"send_path":"xfer1"}`),
	}
	sign(t, priv, &recvAgain)
	_, err = v.Validate(next, recvAgain) // receiving the same transfer twice must fail
	require.Error(t, err)
	require.True(t, IsRejection(err, RejectAssetInvariant))
}

func TestRuleAccumulationRejectsWitnessViolatingEarlierRule(t *testing.T) {
	_, priv, err := genKey()
	require.NoError(t, err)

	v := NewValidator()
	state := &ReplayState{ContractID: "c1", Paths: PathStore{}}
	genesis := Commit{ContractID: "c1", Method: MethodGenesis}
	genesis.Hash = genesis.ComputeHash()
	next, err := v.Validate(state, genesis)
	require.NoError(t, err)

	witness1 := Model{
		Initial: "idle",
		Transitions: []Transition{
			{From: "idle", To: "active", ActionLabel: "activate"},
		},
	}
	witness1JSON, _ := json.Marshal(witness1)
	rule1 := Commit{
		ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodRule,
		Formula: "<activate>true", Witness: witness1JSON,
	}
	sign(t, priv, &rule1)
	next, err = v.Validate(next, rule1)
	require.NoError(t, err)
	require.Len(t, next.Rules, 1)

	// witness2 satisfies the new rule2 formula but drops the "activate"
	// transition rule1 already installed, so it must be rejected rather
	// than silently replacing the model.
	witness2 := Model{
		Initial: "idle",
		Transitions: []Transition{
			{From: "idle", To: "off", ActionLabel: "shutdown"},
		},
	}
	witness2JSON, _ := json.Marshal(witness2)
	rule2 := Commit{
		ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodRule,
		Formula: "<shutdown>true", Witness: witness2JSON,
	}
	sign(t, priv, &rule2)
	_, err = v.Validate(next, rule2)
	require.Error(t, err)
	require.True(t, IsRejection(err, RejectRuleViolation))

	// witness3 satisfies both the new formula and every already-accumulated
	// rule, so it must be accepted.
	witness3 := Model{
		Initial: "idle",
		Transitions: []Transition{
			{From: "idle", To: "active", ActionLabel: "activate"},
			{From: "idle", To: "off", ActionLabel: "shutdown"},
		},
	}
	witness3JSON, _ := json.Marshal(witness3)
	rule3 := Commit{
		ContractID: "c1", ParentHash: next.LastCommitHash, Method: MethodRule,
		Formula: "<shutdown>true", Witness: witness3JSON,
	}
	sign(t, priv, &rule3)
	next, err = v.Validate(next, rule3)
	require.NoError(t, err)
	require.Len(t, next.Rules, 2)
}

func TestFormulaParsingRoundTrip(t *testing.T) {
	f, err := ParseFormula("always(prop(safe))")
	require.NoError(t, err)
	model := Model{Initial: "s0", Transitions: []Transition{{From: "s0", To: "s0"}}}
	props := map[State]map[string]bool{"s0": {"safe": true}}
	require.True(t, Satisfies(model, f, props))
}

func genKey() (crypto.PublicKey, crypto.PrivateKey, error) {
	priv, pub, err := crypto.GenerateKeyPair()
	return pub, priv, err
}
