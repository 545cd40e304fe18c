package audit

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"primordia/canonical"
	kerrors "primordia/core/errors"
	"primordia/receipt"
	"primordia/storage"
)

// SolvencyCapBps bounds the reported solvency ratio for agents with little
// or no payable exposure.
const SolvencyCapBps = int64(999_999)

// MBS is a Merkle Balance Summary: the agent's netted exposure derived
// exclusively from kernel-signed IAN receipts.
type MBS struct {
	Agent                 string           `json:"agent"`
	TotalReceivable       int64            `json:"total_receivable_usd_micros"`
	TotalPayable          int64            `json:"total_payable_usd_micros"`
	NetPosition           int64            `json:"net_position_usd_micros"`
	SolvencyRatioBps      int64            `json:"solvency_ratio_bps"`
	CounterpartyPositions map[string]int64 `json:"counterparty_positions"`
	IANCount              int64            `json:"ian_count"`
	AllocationsIn         int64            `json:"allocations_in_usd_micros"`
	AllocationsOut        int64            `json:"allocations_out_usd_micros"`
	PendingReceiptCount   int64            `json:"pending_receipt_count"`
}

// Engine derives audit artifacts from the receipt log. Derivations read
// only kernel-signed receipts, never mutable domain rows, so an auditor can
// reproduce every number from the log alone.
type Engine struct {
	db     *gorm.DB
	signer *receipt.Signer
}

// NewEngine wires the audit engine.
func NewEngine(db *gorm.DB, signer *receipt.Signer) *Engine {
	return &Engine{db: db, signer: signer}
}

// BalanceSummary computes the MBS for an agent and seals it. includePending
// adds the count of settlement receipts not yet covered by any netting run.
func (e *Engine) BalanceSummary(ctx context.Context, agent string, includePending bool, requestHash string) (*MBS, receipt.Receipt, error) {
	if agent == "" {
		return nil, nil, kerrors.New(kerrors.KindPrecondition, "agent is required")
	}

	ians, err := e.loadPayloads(ctx, receipt.KindIAN)
	if err != nil {
		return nil, nil, err
	}

	summary := &MBS{Agent: agent, CounterpartyPositions: map[string]int64{}}
	included := map[string]bool{}
	for _, ian := range ians {
		touched := false
		for _, entry := range asList(ian["net_obligations"]) {
			obl, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			from := receipt.FieldString(obl, "from")
			to := receipt.FieldString(obl, "to")
			amount, _ := receipt.FieldInt(obl, "amount_usd_micros")
			if to == agent {
				summary.TotalReceivable += amount
				summary.CounterpartyPositions[from] += amount
				touched = true
			}
			if from == agent {
				summary.TotalPayable += amount
				summary.CounterpartyPositions[to] -= amount
				touched = true
			}
		}
		if !touched && receipt.FieldString(ian, "agent") == agent {
			touched = true
		}
		if touched {
			summary.IANCount++
			for _, h := range asStrings(ian["receipt_hashes"]) {
				included[h] = true
			}
		}
	}
	summary.NetPosition = summary.TotalReceivable - summary.TotalPayable
	summary.SolvencyRatioBps = solvencyBps(summary.TotalReceivable, summary.TotalPayable)

	var allocations []storage.Allocation
	err = e.db.WithContext(ctx).
		Find(&allocations, "from_wallet = ? OR to_wallet = ?", agent, agent).Error
	if err != nil {
		return nil, nil, fmt.Errorf("audit engine: load allocations: %w", err)
	}
	for _, a := range allocations {
		if a.ToWallet == agent {
			summary.AllocationsIn += a.AmountUsdMicros
		}
		if a.FromWallet == agent {
			summary.AllocationsOut += a.AmountUsdMicros
		}
	}

	if includePending {
		pending, err := e.pendingCount(ctx, agent, included)
		if err != nil {
			return nil, nil, err
		}
		summary.PendingReceiptCount = pending
	}

	r, err := e.sealSummary(ctx, summary, includePending, requestHash)
	if err != nil {
		return nil, nil, err
	}
	return summary, r, nil
}

func (e *Engine) sealSummary(ctx context.Context, s *MBS, includePending bool, requestHash string) (receipt.Receipt, error) {
	positions := make(map[string]any, len(s.CounterpartyPositions))
	for id, amount := range s.CounterpartyPositions {
		positions[id] = amount
	}
	fields := map[string]any{
		"agent":                       s.Agent,
		"total_receivable_usd_micros": s.TotalReceivable,
		"total_payable_usd_micros":    s.TotalPayable,
		"net_position_usd_micros":     s.NetPosition,
		"solvency_ratio_bps":          s.SolvencyRatioBps,
		"counterparty_positions":      positions,
		"ian_count":                   s.IANCount,
		"allocations_in_usd_micros":   s.AllocationsIn,
		"allocations_out_usd_micros":  s.AllocationsOut,
	}
	if includePending {
		fields["pending_receipt_count"] = s.PendingReceiptCount
	}
	r, err := e.signer.Issue(receipt.KindMBS, requestHash, fields)
	if err != nil {
		return nil, fmt.Errorf("audit engine: issue mbs: %w", err)
	}
	if err := receipt.SaveTx(e.db.WithContext(ctx), r); err != nil {
		return nil, err
	}
	return r, nil
}

// pendingCount counts the agent's settlement receipts that no netting run
// has consumed yet.
func (e *Engine) pendingCount(ctx context.Context, agent string, included map[string]bool) (int64, error) {
	msrs, err := e.loadPayloads(ctx, receipt.KindMSR)
	if err != nil {
		return 0, err
	}
	var pending int64
	for _, p := range msrs {
		payer := receipt.FieldString(p, "payer_agent_id")
		payee := receipt.FieldString(p, "payee_agent_id")
		if payer != agent && payee != agent {
			continue
		}
		hash, err := receipt.AgentPayloadHash(p)
		if err != nil {
			continue
		}
		if !included[hash] && !included[receipt.Receipt(p).Hash()] {
			pending++
		}
	}
	return pending, nil
}

// loadPayloads decodes every stored receipt of one kind, oldest first.
func (e *Engine) loadPayloads(ctx context.Context, kind string) ([]map[string]any, error) {
	var records []storage.ReceiptRecord
	err := e.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&records, "type = ?", kind).Error
	if err != nil {
		return nil, fmt.Errorf("audit engine: load %s receipts: %w", kind, err)
	}
	payloads := make([]map[string]any, 0, len(records))
	for _, record := range records {
		value, err := canonical.Parse([]byte(record.Payload))
		if err != nil {
			return nil, fmt.Errorf("audit engine: decode receipt %s: %w", record.ReceiptHash, err)
		}
		if fields, ok := value.(map[string]any); ok {
			payloads = append(payloads, fields)
		}
	}
	return payloads, nil
}

// solvencyBps is receivable over payable in basis points, capped. A fully
// unexposed agent reports the cap.
func solvencyBps(receivable, payable int64) int64 {
	if payable == 0 {
		return SolvencyCapBps
	}
	ratio := receivable * 10_000 / payable
	if ratio > SolvencyCapBps {
		return SolvencyCapBps
	}
	return ratio
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

func asStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, entry := range list {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// sortedCounterparties returns the breakdown keys in stable order.
func sortedCounterparties(positions map[string]int64) []string {
	keys := make([]string, 0, len(positions))
	for id := range positions {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}
