package netting

import (
	"fmt"
	"sort"
	"strings"

	"primordia/canonical"
	"primordia/crypto"
	"primordia/receipt"
)

// Obligation is one net debt remaining after bilateral cancellation.
type Obligation struct {
	From            string
	To              string
	AmountUsdMicros int64
}

func (o Obligation) toMap() map[string]any {
	return map[string]any{
		"from":              o.From,
		"to":                o.To,
		"amount_usd_micros": o.AmountUsdMicros,
	}
}

// settlement is the per-receipt view the netting matrix is built from.
type settlement struct {
	hash   string
	payer  string
	payee  string
	amount int64
}

// netResult is the deterministic outcome of netting a receipt set.
type netResult struct {
	obligations   []Obligation
	participants  []string
	receiptHashes []string
	totalVolume   int64
}

// net cancels bilateral flows. For each pair the smaller direction is
// subtracted from the larger; equal flows cancel entirely. Output ordering
// is fixed by sorting hashes, participants, and pair keys, so the same
// input set always yields byte-identical results.
func net(settlements []settlement) netResult {
	sort.Slice(settlements, func(i, j int) bool {
		return settlements[i].hash < settlements[j].hash
	})

	balances := make(map[string]int64)
	participantSet := make(map[string]bool)
	hashes := make([]string, 0, len(settlements))
	var total int64
	for _, s := range settlements {
		balances[s.payer+"|"+s.payee] += s.amount
		participantSet[s.payer] = true
		participantSet[s.payee] = true
		hashes = append(hashes, s.hash)
		total += s.amount
	}

	participants := make([]string, 0, len(participantSet))
	for id := range participantSet {
		participants = append(participants, id)
	}
	sort.Strings(participants)

	keys := make([]string, 0, len(balances))
	for key := range balances {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	netted := make(map[string]int64)
	processed := make(map[string]bool)
	for _, key := range keys {
		parts := strings.SplitN(key, "|", 2)
		a, b := parts[0], parts[1]
		pair := a + "|" + b
		if b < a {
			pair = b + "|" + a
		}
		if processed[pair] {
			continue
		}
		processed[pair] = true

		aToB := balances[a+"|"+b]
		bToA := balances[b+"|"+a]
		switch {
		case aToB > bToA:
			netted[a+"|"+b] = aToB - bToA
		case bToA > aToB:
			netted[b+"|"+a] = bToA - aToB
		}
	}

	nettedKeys := make([]string, 0, len(netted))
	for key := range netted {
		nettedKeys = append(nettedKeys, key)
	}
	sort.Strings(nettedKeys)

	obligations := make([]Obligation, 0, len(nettedKeys))
	for _, key := range nettedKeys {
		parts := strings.SplitN(key, "|", 2)
		obligations = append(obligations, Obligation{
			From:            parts[0],
			To:              parts[1],
			AmountUsdMicros: netted[key],
		})
	}

	return netResult{
		obligations:   obligations,
		participants:  participants,
		receiptHashes: hashes,
		totalVolume:   total,
	}
}

// nettingHash binds the input receipt set and the resulting obligations
// under one content hash.
func nettingHash(inputHash string, receiptHashes []string, obligations []Obligation) (string, error) {
	obls := make([]any, len(obligations))
	for i, o := range obligations {
		obls[i] = o.toMap()
	}
	data, err := canonical.Canonicalize(map[string]any{
		"epoch":       inputHash,
		"receipts":    receiptHashes,
		"obligations": obls,
	})
	if err != nil {
		return "", err
	}
	return crypto.Hash(data), nil
}

// parseSettlement pulls the netting-relevant fields out of a settlement
// receipt payload. The content hash must already be computed.
func parseSettlement(hash string, p map[string]any) (settlement, error) {
	payer := receipt.FieldString(p, "payer_agent_id")
	payee := receipt.FieldString(p, "payee_agent_id")
	if payer == "" || payee == "" || payer == payee {
		return settlement{}, fmt.Errorf("%w: invalid payer/payee", receipt.ErrMalformed)
	}
	amount, ok := receipt.FieldInt(p, "price_usd_micros")
	if !ok || amount < 0 {
		return settlement{}, fmt.Errorf("%w: invalid price", receipt.ErrMalformed)
	}
	return settlement{hash: hash, payer: payer, payee: payee, amount: amount}, nil
}
