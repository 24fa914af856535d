package contract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// InvokeHost executes a `invoke(program_path, args)` commit's attached WASM
// program, producing the sequence of derived sub-commits it emits. No
// default implementation ships here — a host wires in a real WASM runtime
// (the predicate catalogue's `wasm(...)` entry is the same integration
// point) via Validator.SetInvokeHost. Left unconfigured, invoke commits are
// rejected rather than silently accepted.
type InvokeHost interface {
	Run(programPath string, args json.RawMessage, invoker Commit) ([]Commit, error)
}

// Validator replays and validates commits for one contract against its
// predicate catalogue (§4.5). Grounded on vm/executor.go's
// snapshot-then-apply-then-revert pattern, generalized from per-block
// state mutation to per-commit path-namespace mutation.
type Validator struct {
	predicates *PredicateRegistry
	invoke     InvokeHost
}

// NewValidator returns a Validator with the default predicate catalogue.
func NewValidator() *Validator {
	return &Validator{predicates: NewPredicateRegistry()}
}

// Predicates exposes the registry so a host can add custom predicates.
func (v *Validator) Predicates() *PredicateRegistry { return v.predicates }

// SetInvokeHost installs the WASM runtime used for `invoke` commits.
func (v *Validator) SetInvokeHost(h InvokeHost) { v.invoke = h }

// ReplayLog reconstructs a contract's ReplayState from its full commit
// history (§4.5 step 1) by re-running Validate over every commit in order.
// A log handed to ReplayLog is expected to already consist of legal
// commits; an error here means the persisted log itself is corrupt.
func (v *Validator) ReplayLog(contractID string, commits []Commit) (*ReplayState, error) {
	state := &ReplayState{ContractID: contractID, Paths: PathStore{}}
	for _, c := range commits {
		next, err := v.Validate(state, c)
		if err != nil {
			return nil, fmt.Errorf("replay commit %s: %w", c.Hash, err)
		}
		state = next
	}
	return state, nil
}

// Validate checks candidate against state (the replay of everything before
// it) and, if legal, returns the updated ReplayState (state itself is left
// unmodified so callers can retry against the same base). This implements
// §4.5 steps 2-8.
func (v *Validator) Validate(state *ReplayState, candidate Commit) (*ReplayState, error) {
	if candidate.Method == MethodGenesis {
		if state.LastCommitHash != "" {
			return nil, newRejection(RejectNotGenesis, "genesis commit after existing log for %s", state.ContractID)
		}
		if candidate.ParentHash != "" {
			return nil, newRejection(RejectParentMismatch, "genesis commit must have empty parent_hash")
		}
	} else {
		if err := candidate.VerifySignatures(); err != nil {
			return nil, err
		}
		if candidate.ParentHash != state.LastCommitHash {
			return nil, newRejection(RejectParentMismatch, "expected parent %s, got %s", state.LastCommitHash, candidate.ParentHash)
		}
	}

	next := &ReplayState{
		ContractID:        state.ContractID,
		LastCommitHash:    candidate.Hash,
		CurrentModelState: state.CurrentModelState,
		Model:             state.Model,
		Rules:             append([]Rule{}, state.Rules...),
		Paths:             state.Paths.Clone(),
	}

	if next.Model == nil || candidate.Method == MethodGenesis {
		if err := v.applyMethod(next, candidate, nil); err != nil {
			return nil, err
		}
		return next, nil
	}

	enabled, chosen, err := v.enabledTransitions(next, candidate)
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return nil, newRejection(RejectNoEnabledTransition, "no transition enabled from state %q for method %q", next.CurrentModelState, candidate.Method)
	}
	if chosen == nil {
		if len(enabled) > 1 {
			return nil, newRejection(RejectAmbiguousTransition, "%d transitions enabled from state %q, model must disambiguate", len(enabled), next.CurrentModelState)
		}
		chosen = &enabled[0]
	}

	if err := v.applyMethod(next, candidate, chosen); err != nil {
		return nil, err
	}
	next.CurrentModelState = chosen.To
	return next, nil
}

// enabledTransitions enumerates every transition from the current state
// whose predicates all hold against candidate (§4.5 steps 5-6). For
// action() commits, it additionally narrows to the transition whose
// ActionLabel matches candidate.Label and returns it as the unambiguous
// chosen transition.
func (v *Validator) enabledTransitions(state *ReplayState, candidate Commit) (enabled []Transition, chosen *Transition, err error) {
	for _, t := range state.Model.TransitionsFrom(state.CurrentModelState) {
		ok := true
		for _, clause := range t.Predicates {
			held, perr := v.predicates.Evaluate(clause, candidate, state.Paths)
			if perr != nil {
				return nil, nil, perr
			}
			if !held {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		enabled = append(enabled, t)
		if candidate.Method == MethodAction && t.ActionLabel == candidate.Label {
			tt := t
			chosen = &tt
		}
	}
	if candidate.Method == MethodAction && chosen == nil {
		return nil, nil, nil
	}
	return enabled, chosen, nil
}

// applyMethod mutates next's Paths/Rules/Model per candidate's method
// (§4.5's special-case commit methods). chosen is the transition this
// commit advances through, or nil when no model is installed yet.
func (v *Validator) applyMethod(next *ReplayState, candidate Commit, chosen *Transition) error {
	switch candidate.Method {
	case MethodGenesis:
		return nil

	case MethodPost:
		if strings.HasSuffix(candidate.Path, ".modality") {
			var model Model
			if err := json.Unmarshal(candidate.Value, &model); err != nil {
				return newRejection(RejectInvalidModel, "post to %s: %v", candidate.Path, err)
			}
			if !satisfiesAllRules(model, next.Rules) {
				return newRejection(RejectRuleViolation, "model posted to %s violates an accumulated rule", candidate.Path)
			}
			next.Model = &model
			if next.CurrentModelState == "" {
				next.CurrentModelState = model.Initial
			}
		}
		next.Paths[candidate.Path] = candidate.Value
		return nil

	case MethodRule:
		formula, err := ParseFormula(candidate.Formula)
		if err != nil {
			return newRejection(RejectInvalidModel, "rule formula: %v", err)
		}
		var witness Model
		if err := json.Unmarshal(candidate.Witness, &witness); err != nil {
			return newRejection(RejectInvalidModel, "rule witness: %v", err)
		}
		if !Satisfies(witness, formula, nil) {
			return newRejection(RejectRuleViolation, "witness model does not satisfy proposed rule")
		}
		accumulated := append(append([]Rule{}, next.Rules...), Rule{Formula: candidate.Formula})
		if !satisfiesAllRules(witness, accumulated) {
			return newRejection(RejectRuleViolation, "witness model violates an already-accumulated rule")
		}
		next.Rules = accumulated
		next.Model = &witness
		if next.CurrentModelState == "" {
			next.CurrentModelState = witness.Initial
		}
		return nil

	case MethodAction:
		return nil // no path mutation beyond the transition's own effect

	case MethodDelete:
		delete(next.Paths, candidate.Path)
		return nil

	case MethodInvoke:
		if v.invoke == nil {
			return newRejection(RejectInvokeFailure, "no invoke host configured")
		}
		subCommits, err := v.invoke.Run(candidate.Path, candidate.Params, candidate)
		if err != nil {
			return newRejection(RejectInvokeFailure, "%v", err)
		}
		for _, sc := range subCommits {
			sc.Signatures = candidate.Signatures // inherit invoker's signature authority
			sc.ContractID = candidate.ContractID
			sc.ParentHash = next.LastCommitHash
			updated, err := v.Validate(next, sc)
			if err != nil {
				return fmt.Errorf("invoke sub-commit: %w", err)
			}
			*next = *updated
		}
		return nil

	case MethodCreate, MethodSend, MethodRecv:
		return applyAssetMethod(next, candidate, chosen)

	default:
		return newRejection(RejectInvalidModel, "unknown method %q", candidate.Method)
	}
}

func satisfiesAllRules(model Model, rules []Rule) bool {
	for _, r := range rules {
		formula, err := ParseFormula(r.Formula)
		if err != nil {
			return false
		}
		if !Satisfies(model, formula, nil) {
			return false
		}
	}
	return true
}

// asset path conventions: create/send/recv operate on paths under
// "assets/{id}" and "transfers/{send_id}", mirroring vm/modules/asset's
// balance-map approach but expressed as contract paths instead of a
// dedicated state.Asset type.

type assetRecord struct {
	Quantity     int64  `json:"quantity"`
	Divisibility int64  `json:"divisibility"`
	Owner        string `json:"owner"`
}

type transferRecord struct {
	AssetID   string `json:"asset_id"`
	Amount    int64  `json:"amount"`
	From      string `json:"from"`
	To        string `json:"to"`
	Received  bool   `json:"received"`
}

func applyAssetMethod(next *ReplayState, candidate Commit, chosen *Transition) error {
	switch candidate.Method {
	case MethodCreate:
		assetPath := "assets/" + candidate.Path
		if _, exists := next.Paths[assetPath]; exists {
			return newRejection(RejectAssetInvariant, "asset %s already exists", candidate.Path)
		}
		var body struct {
			Quantity     int64 `json:"quantity"`
			Divisibility int64 `json:"divisibility"`
		}
		if err := json.Unmarshal(candidate.Value, &body); err != nil {
			return newRejection(RejectAssetInvariant, "create payload: %v", err)
		}
		if body.Quantity <= 0 {
			return newRejection(RejectAssetInvariant, "create quantity must be > 0, got %d", body.Quantity)
		}
		signers := candidate.Signers()
		if len(signers) == 0 {
			return newRejection(RejectAssetInvariant, "create must be signed by its initial owner")
		}
		owner := signers[0]
		next.Paths[assetPath] = mustMarshal(assetRecord{Quantity: body.Quantity, Divisibility: body.Divisibility, Owner: owner})
		next.Paths["balances/"+candidate.Path+"/"+owner] = json.RawMessage(strconv.FormatInt(body.Quantity, 10))
		return nil

	case MethodSend:
		var body struct {
			AssetID string `json:"asset_id"`
			Amount  int64  `json:"amount"`
			From    string `json:"from"`
			To      string `json:"to"`
		}
		if err := json.Unmarshal(candidate.Value, &body); err != nil {
			return newRejection(RejectAssetInvariant, "send payload: %v", err)
		}
		if body.Amount <= 0 {
			return newRejection(RejectAssetInvariant, "send amount must be > 0, got %d", body.Amount)
		}
		assetPath := "assets/" + body.AssetID
		raw, ok := next.Paths[assetPath]
		if !ok {
			return newRejection(RejectAssetInvariant, "send references unknown asset %s", body.AssetID)
		}
		var asset struct {
			Quantity     int64 `json:"quantity"`
			Divisibility int64 `json:"divisibility"`
		}
		if err := json.Unmarshal(raw, &asset); err != nil {
			return newRejection(RejectAssetInvariant, "corrupt asset record: %v", err)
		}
		if asset.Divisibility > 0 && body.Amount%asset.Divisibility != 0 {
			return newRejection(RejectAssetInvariant, "send amount %d not divisible by %d", body.Amount, asset.Divisibility)
		}
		balancePath := "balances/" + body.AssetID + "/" + body.From
		balance := int64(0)
		if raw, ok := next.Paths[balancePath]; ok {
			balance, _ = strconv.ParseInt(strings.Trim(string(raw), `"`), 10, 64)
		}
		if balance < body.Amount {
			return newRejection(RejectAssetInvariant, "sender balance %d < send amount %d", balance, body.Amount)
		}
		next.Paths[balancePath] = json.RawMessage(strconv.FormatInt(balance-body.Amount, 10))
		next.Paths["transfers/"+candidate.Path] = mustMarshal(transferRecord{
			AssetID: body.AssetID, Amount: body.Amount, From: body.From, To: body.To,
		})
		return nil

	case MethodRecv:
		var body struct {
			SendPath string `json:"send_path"`
		}
		if err := json.Unmarshal(candidate.Value, &body); err != nil {
			return newRejection(RejectAssetInvariant, "recv payload: %v", err)
		}
		transferPath := "transfers/" + body.SendPath
		raw, ok := next.Paths[transferPath]
		if !ok {
			return newRejection(RejectAssetInvariant, "recv references unknown send %s", body.SendPath)
		}
		var xfer transferRecord
		if err := json.Unmarshal(raw, &xfer); err != nil {
			return newRejection(RejectAssetInvariant, "corrupt transfer record: %v", err)
		}
		if xfer.Received {
			return newRejection(RejectAssetInvariant, "transfer %s already received", body.SendPath)
		}
		if xfer.To != candidate.ContractID {
			return newRejection(RejectAssetInvariant, "recv contract %s does not match transfer recipient %s", candidate.ContractID, xfer.To)
		}
		balancePath := "balances/" + xfer.AssetID + "/" + xfer.To
		balance := int64(0)
		if raw, ok := next.Paths[balancePath]; ok {
			balance, _ = strconv.ParseInt(strings.Trim(string(raw), `"`), 10, 64)
		}
		next.Paths[balancePath] = json.RawMessage(strconv.FormatInt(balance+xfer.Amount, 10))
		xfer.Received = true
		next.Paths[transferPath] = mustMarshal(xfer)
		return nil
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
