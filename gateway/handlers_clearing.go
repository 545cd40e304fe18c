package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	kerrors "primordia/core/errors"
	"primordia/native/index"
	"primordia/native/netting"
	"primordia/receipt"
)

type verifyRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// handleVerify checks any receipt kind without charging a fee. Verification
// failures are reported in the body, not as transport errors.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) error {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Payload == nil {
		return kerrors.New(kerrors.KindEncoding, "payload is required")
	}

	var (
		hash    string
		details string
		err     error
	)
	switch req.Type {
	case "msr":
		payer := receipt.FieldString(req.Payload, "payer_agent_id")
		agent, lookupErr := s.settlement.Agent(r.Context(), payer)
		switch {
		case lookupErr == nil:
			hash, err = receipt.VerifyMSR(req.Payload, agent.Pubkey)
		case isNotFound(lookupErr):
			// An unknown signer is a verification verdict, not a routing error.
			hash = receipt.Receipt(req.Payload).Hash()
			err = lookupErr
		default:
			return lookupErr
		}
	case "fc":
		issuer := receipt.FieldString(req.Payload, "issuer_agent_id")
		agent, lookupErr := s.settlement.Agent(r.Context(), issuer)
		switch {
		case lookupErr == nil:
			hash, err = receipt.VerifyFC(req.Payload, agent.Pubkey)
		case isNotFound(lookupErr):
			hash = receipt.Receipt(req.Payload).Hash()
			err = lookupErr
		default:
			return lookupErr
		}
	case "ian":
		hash = receipt.Receipt(req.Payload).Hash()
		err = receipt.VerifyIAN(req.Payload, s.signer.PublicKey())
	case "seal":
		hash = receipt.Receipt(req.Payload).Hash()
		err = receipt.Verify(receipt.Receipt(req.Payload), s.signer.PublicKey())
	default:
		return kerrors.Newf(kerrors.KindPrecondition, "unknown verify type %q", req.Type)
	}
	if err != nil {
		details = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   err == nil,
		"hash":    hash,
		"details": details,
	})
	return nil
}

type registerRequest struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	Pubkey      string `json:"pubkey"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) error {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	agent, err := s.settlement.Register(r.Context(), req.AgentID, req.DisplayName, req.Pubkey)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     agent.ID,
		"display_name": agent.DisplayName,
		"pubkey":       agent.Pubkey,
	})
	return nil
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) error {
	agent, err := s.settlement.Agent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":                   agent.ID,
		"display_name":               agent.DisplayName,
		"pubkey":                     agent.Pubkey,
		"lifetime_volume_usd_micros": agent.LifetimeVolumeMicros,
		"free_settlements_used":      agent.FreeSettlementsUsed,
	})
	return nil
}

type settleRequest struct {
	FromAgent       string `json:"from_agent"`
	ToAgent         string `json:"to_agent"`
	AmountUsdMicros int64  `json:"amount_usd_micros"`
	RequestHash     string `json:"request_hash"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) error {
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if fee, quoteErr := s.settlement.QuoteFee(r.Context(), req.FromAgent); quoteErr == nil {
		if err := s.paywall(r, req.FromAgent, fee, req.RequestHash); err != nil {
			return err
		}
	}
	res, err := s.settlement.Settle(r.Context(), req.FromAgent, req.ToAgent, req.AmountUsdMicros, req.RequestHash)
	if err != nil {
		return err
	}
	if !res.Replayed {
		s.metrics.RecordReceipt(res.Receipt.Type())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":                res.Receipt,
		"fee_charged_usd_micros": res.FeeCharged,
		"free_tier":              res.FreeTier,
		"replayed":               res.Replayed,
	})
	return nil
}

type netRequest struct {
	Agent       string           `json:"agent"`
	Receipts    []map[string]any `json:"receipts"`
	RequestHash string           `json:"request_hash"`
}

func (s *Server) handleNet(w http.ResponseWriter, r *http.Request) error {
	var req netRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.paywall(r, req.Agent, netting.QuoteFee(req.Receipts), req.RequestHash); err != nil {
		return err
	}
	res, err := s.netting.Net(r.Context(), req.Agent, req.Receipts, req.RequestHash)
	if err != nil {
		s.metrics.RecordNettingRun("failed")
		return err
	}
	switch {
	case res.Replayed:
		s.metrics.RecordNettingRun("replayed")
	default:
		s.metrics.RecordNettingRun("completed")
		s.metrics.RecordReceipt(res.IAN.Type())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":                res.IAN,
		"netting_hash":           res.NettingHash,
		"fee_charged_usd_micros": res.FeeCharged,
		"replayed":               res.Replayed,
	})
	return nil
}

type indexSubmitRequest struct {
	Type        string `json:"type"`
	PayloadHash string `json:"payload_hash"`
}

func (s *Server) handleIndexSubmit(w http.ResponseWriter, r *http.Request) error {
	var req indexSubmitRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	res, err := s.indexer.Submit(r.Context(), req.Type, req.PayloadHash)
	if err != nil {
		return err
	}
	s.metrics.SetOpenWindowLeaves(res.Position + 1)
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (s *Server) handleIndexHead(w http.ResponseWriter, r *http.Request) error {
	head, err := s.indexer.Head(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, head)
	return nil
}

type indexProofRequest struct {
	WindowID uint64 `json:"window_id"`
	LeafHash string `json:"leaf_hash"`
}

func (s *Server) handleIndexProof(w http.ResponseWriter, r *http.Request) error {
	var req indexProofRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	proof, err := s.indexer.Proof(r.Context(), req.WindowID, req.LeafHash)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, proof)
	return nil
}

// handleIndexVerifyProof checks a proof offline: the merkle path against the
// root and the head signature against the kernel key.
func (s *Server) handleIndexVerifyProof(w http.ResponseWriter, r *http.Request) error {
	var proof index.InclusionProof
	if err := decodeBody(r, &proof); err != nil {
		return err
	}
	pathValid := index.VerifyProof(proof.LeafHash, proof.Path, proof.RootHash)
	headValid := index.VerifyHead(proof.WindowID, proof.RootHash, proof.ClosedAtMS,
		proof.LeafCount, proof.HeadSignature, s.signer.PublicKey())
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      pathValid && headValid,
		"path_valid": pathValid,
		"head_valid": headValid,
	})
	return nil
}

func (s *Server) handleIndexOpen(w http.ResponseWriter, r *http.Request) error {
	window, err := s.indexer.OpenWindow(r.Context())
	if err != nil {
		return err
	}
	s.metrics.SetOpenWindowLeaves(0)
	writeJSON(w, http.StatusOK, map[string]any{
		"window_id":          window.ID,
		"opened_at_ms":       window.OpenedAtMS,
		"previous_window_id": window.PreviousWindowID,
		"previous_root_hash": window.PreviousRootHash,
	})
	return nil
}

func (s *Server) handleIndexClose(w http.ResponseWriter, r *http.Request) error {
	window, err := s.indexer.CloseWindow(r.Context())
	if err != nil {
		return err
	}
	s.metrics.SetOpenWindowLeaves(0)
	writeJSON(w, http.StatusOK, map[string]any{
		"window_id":      window.ID,
		"root_hash":      window.RootHash,
		"closed_at_ms":   window.ClosedAtMS,
		"leaf_count":     window.LeafCount,
		"head_signature": window.HeadSignature,
	})
	return nil
}
