package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	kerrors "primordia/core/errors"
	"primordia/receipt"
)

// Report formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// LineItem is one netted obligation attributed to the reporting agent.
type LineItem struct {
	IANHash         string `json:"ian_hash"`
	TimestampMS     int64  `json:"timestamp_ms"`
	Counterparty    string `json:"counterparty"`
	Direction       string `json:"direction"`
	AmountUsdMicros int64  `json:"amount_usd_micros"`
}

// ALR is an Agent Liability Report: the agent's netted obligations over a
// period with a per-counterparty breakdown.
type ALR struct {
	Agent            string           `json:"agent"`
	PeriodStartMS    int64            `json:"period_start_ms"`
	PeriodEndMS      int64            `json:"period_end_ms"`
	LineItems        []LineItem       `json:"line_items"`
	Counterparties   map[string]int64 `json:"counterparty_breakdown"`
	TotalReceivable  int64            `json:"total_receivable_usd_micros"`
	TotalPayable     int64            `json:"total_payable_usd_micros"`
	Format           string           `json:"format"`
	Export           []byte           `json:"-"`
}

// LiabilityReport builds the ALR over [periodStartMS, periodEndMS] and
// seals it. The export body is rendered in the requested format.
func (e *Engine) LiabilityReport(ctx context.Context, agent, format string, periodStartMS, periodEndMS int64, requestHash string) (*ALR, receipt.Receipt, error) {
	if agent == "" {
		return nil, nil, kerrors.New(kerrors.KindPrecondition, "agent is required")
	}
	if format != FormatJSON && format != FormatCSV {
		return nil, nil, kerrors.Newf(kerrors.KindPrecondition, "unknown report format %q", format)
	}
	if periodEndMS != 0 && periodStartMS > periodEndMS {
		return nil, nil, kerrors.New(kerrors.KindPrecondition, "period start is after period end")
	}

	ians, err := e.loadPayloads(ctx, receipt.KindIAN)
	if err != nil {
		return nil, nil, err
	}

	report := &ALR{
		Agent:          agent,
		PeriodStartMS:  periodStartMS,
		PeriodEndMS:    periodEndMS,
		LineItems:      []LineItem{},
		Counterparties: map[string]int64{},
		Format:         format,
	}
	for _, ian := range ians {
		ts, _ := receipt.FieldInt(ian, "timestamp_ms")
		if ts < periodStartMS || (periodEndMS != 0 && ts > periodEndMS) {
			continue
		}
		hash := receipt.Receipt(ian).Hash()
		for _, entry := range asList(ian["net_obligations"]) {
			obl, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			from := receipt.FieldString(obl, "from")
			to := receipt.FieldString(obl, "to")
			amount, _ := receipt.FieldInt(obl, "amount_usd_micros")
			switch agent {
			case to:
				report.LineItems = append(report.LineItems, LineItem{
					IANHash: hash, TimestampMS: ts,
					Counterparty: from, Direction: "receivable", AmountUsdMicros: amount,
				})
				report.Counterparties[from] += amount
				report.TotalReceivable += amount
			case from:
				report.LineItems = append(report.LineItems, LineItem{
					IANHash: hash, TimestampMS: ts,
					Counterparty: to, Direction: "payable", AmountUsdMicros: amount,
				})
				report.Counterparties[to] -= amount
				report.TotalPayable += amount
			}
		}
	}

	if format == FormatCSV {
		export, err := renderCSV(report)
		if err != nil {
			return nil, nil, err
		}
		report.Export = export
	}

	r, err := e.sealReport(ctx, report, requestHash)
	if err != nil {
		return nil, nil, err
	}
	return report, r, nil
}

func (e *Engine) sealReport(ctx context.Context, report *ALR, requestHash string) (receipt.Receipt, error) {
	items := make([]any, len(report.LineItems))
	for i, item := range report.LineItems {
		items[i] = map[string]any{
			"ian_hash":          item.IANHash,
			"timestamp_ms":      item.TimestampMS,
			"counterparty":      item.Counterparty,
			"direction":         item.Direction,
			"amount_usd_micros": item.AmountUsdMicros,
		}
	}
	breakdown := make(map[string]any, len(report.Counterparties))
	for id, amount := range report.Counterparties {
		breakdown[id] = amount
	}
	r, err := e.signer.Issue(receipt.KindALR, requestHash, map[string]any{
		"agent":                       report.Agent,
		"period_start_ms":             report.PeriodStartMS,
		"period_end_ms":               report.PeriodEndMS,
		"format":                      report.Format,
		"line_items":                  items,
		"counterparty_breakdown":      breakdown,
		"total_receivable_usd_micros": report.TotalReceivable,
		"total_payable_usd_micros":    report.TotalPayable,
	})
	if err != nil {
		return nil, fmt.Errorf("audit engine: issue alr: %w", err)
	}
	if err := receipt.SaveTx(e.db.WithContext(ctx), r); err != nil {
		return nil, err
	}
	return r, nil
}

// Status summarises the liability reports already generated for an agent.
func (e *Engine) Status(ctx context.Context, agent string) (map[string]any, error) {
	if agent == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "agent is required")
	}
	alrs, err := e.loadPayloads(ctx, receipt.KindALR)
	if err != nil {
		return nil, err
	}
	var (
		count  int64
		latest map[string]any
	)
	for _, p := range alrs {
		if receipt.FieldString(p, "agent") != agent {
			continue
		}
		count++
		latest = p
	}
	status := map[string]any{
		"agent":        agent,
		"report_count": count,
	}
	if latest != nil {
		start, _ := receipt.FieldInt(latest, "period_start_ms")
		end, _ := receipt.FieldInt(latest, "period_end_ms")
		generated, _ := receipt.FieldInt(latest, "timestamp_ms")
		status["latest_receipt_hash"] = receipt.Receipt(latest).Hash()
		status["latest_period_start_ms"] = start
		status["latest_period_end_ms"] = end
		status["latest_generated_ms"] = generated
		status["latest_format"] = receipt.FieldString(latest, "format")
	}
	return status, nil
}

// renderCSV writes the line items plus a per-counterparty summary block.
func renderCSV(report *ALR) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"ian_hash", "timestamp_ms", "counterparty", "direction", "amount_usd_micros"}); err != nil {
		return nil, fmt.Errorf("audit engine: render csv: %w", err)
	}
	for _, item := range report.LineItems {
		record := []string{
			item.IANHash,
			strconv.FormatInt(item.TimestampMS, 10),
			item.Counterparty,
			item.Direction,
			strconv.FormatInt(item.AmountUsdMicros, 10),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("audit engine: render csv: %w", err)
		}
	}
	for _, id := range sortedCounterparties(report.Counterparties) {
		record := []string{"", "", id, "net", strconv.FormatInt(report.Counterparties[id], 10)}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("audit engine: render csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("audit engine: render csv: %w", err)
	}
	return buf.Bytes(), nil
}
