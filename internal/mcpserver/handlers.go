package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// transactionID reads and parses a required numeric ID argument.
func transactionID(req mcp.CallToolRequest, key string) (uint64, *mcp.CallToolResult) {
	raw := strings.TrimSpace(req.GetString(key, ""))
	if raw == "" {
		return 0, mcp.NewToolResultError(key + " is required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, mcp.NewToolResultError(key + " must be a positive integer")
	}
	return id, nil
}

// requiredString reads a required string argument.
func requiredString(req mcp.CallToolRequest, key string) (string, *mcp.CallToolResult) {
	v := strings.TrimSpace(req.GetString(key, ""))
	if v == "" {
		return "", mcp.NewToolResultError(key + " is required")
	}
	return v, nil
}

// transactionResult renders a {"transaction": {...}} response with a heading.
func transactionResult(heading string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(heading + "\n\n" + text), nil
}

// HandleCreateEscrow locks funds for a payee.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payee, errRes := requiredString(req, "payee")
	if errRes != nil {
		return errRes, nil
	}
	amount, errRes := requiredString(req, "amount")
	if errRes != nil {
		return errRes, nil
	}

	raw, err := h.client.CreateTransaction(ctx, CreateParams{
		Payee:          payee,
		Asset:          req.GetString("asset", ""),
		Amount:         amount,
		EvidenceRef:    req.GetString("evidence_ref", ""),
		PaymentTimeout: req.GetString("payment_timeout", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}
	return transactionResult("Escrow created.", raw)
}

// HandleGetEscrow shows one transaction.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := transactionID(req, "transaction_id")
	if errRes != nil {
		return errRes, nil
	}
	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists a party's transactions.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	party := req.GetString("party", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListTransactions(ctx, party, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReleasePayment pays the payee.
func (h *Handlers) HandleReleasePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := transactionID(req, "transaction_id")
	if errRes != nil {
		return errRes, nil
	}
	amount, errRes := requiredString(req, "amount")
	if errRes != nil {
		return errRes, nil
	}
	raw, err := h.client.Pay(ctx, id, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to release payment: %v", err)), nil
	}
	return transactionResult(fmt.Sprintf("Released %s to the payee.", amount), raw)
}

// HandleReimburse refunds the payer.
func (h *Handlers) HandleReimburse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := transactionID(req, "transaction_id")
	if errRes != nil {
		return errRes, nil
	}
	amount, errRes := requiredString(req, "amount")
	if errRes != nil {
		return errRes, nil
	}
	raw, err := h.client.Reimburse(ctx, id, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reimburse: %v", err)), nil
	}
	return transactionResult(fmt.Sprintf("Returned %s to the payer.", amount), raw)
}

// HandleRaiseDispute looks up the arbitration cost, optionally submits
// evidence, then deposits the caller's fee.
func (h *Handlers) HandleRaiseDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := transactionID(req, "transaction_id")
	if errRes != nil {
		return errRes, nil
	}

	// 1. Arbitration cost
	info, err := h.client.GetArbitrator(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to look up arbitration cost: %v", err)), nil
	}
	m, err := decodeObject(info)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arbitrator info: %v", err)), nil
	}
	cost := getString(m, "arbitrationCost")
	if cost == "" {
		return mcp.NewToolResultError("Arbitrator did not report an arbitration cost"), nil
	}

	// 2. Evidence first so the arbitrator sees it with the dispute
	evidenceNote := ""
	if uri := strings.TrimSpace(req.GetString("evidence_uri", "")); uri != "" {
		if _, err := h.client.SubmitEvidence(ctx, id, uri); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit evidence: %v", err)), nil
		}
		evidenceNote = "Evidence submitted: " + uri + "\n"
	}

	// 3. Fee deposit
	raw, err := h.client.PayArbitrationFee(ctx, id, cost)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%sFailed to pay arbitration fee: %v", evidenceNote, err)), nil
	}
	return transactionResult(fmt.Sprintf("%sArbitration fee of %s deposited.", evidenceNote, cost), raw)
}

// HandleSubmitEvidence attaches evidence to a transaction.
func (h *Handlers) HandleSubmitEvidence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := transactionID(req, "transaction_id")
	if errRes != nil {
		return errRes, nil
	}
	uri, errRes := requiredString(req, "uri")
	if errRes != nil {
		return errRes, nil
	}
	raw, err := h.client.SubmitEvidence(ctx, id, uri)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit evidence: %v", err)), nil
	}
	return transactionResult("Evidence submitted.", raw)
}

// HandleExecuteEscrow claims an expired escrow for the payee.
func (h *Handlers) HandleExecuteEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := transactionID(req, "transaction_id")
	if errRes != nil {
		return errRes, nil
	}
	raw, err := h.client.Execute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute escrow: %v", err)), nil
	}
	return transactionResult("Escrow executed.", raw)
}

// HandleClaimFeeTimeout wins a dispute the other side never funded.
func (h *Handlers) HandleClaimFeeTimeout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := transactionID(req, "transaction_id")
	if errRes != nil {
		return errRes, nil
	}
	raw, err := h.client.TimeOut(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to claim fee timeout: %v", err)), nil
	}
	return transactionResult("Fee timeout claimed.", raw)
}

// HandleQuoteFee quotes the platform fee.
func (h *Handlers) HandleQuoteFee(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount, errRes := requiredString(req, "amount")
	if errRes != nil {
		return errRes, nil
	}
	raw, err := h.client.QuoteFee(ctx, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote fee: %v", err)), nil
	}
	m, err := decodeObject(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Fee Quote:\n")
	fmt.Fprintf(&sb, "  Amount: %s\n", getString(m, "amount"))
	if bps := getString(m, "feeBasisPoint"); bps != "" {
		fmt.Fprintf(&sb, "  Rate: %s bps\n", bps)
	}
	fmt.Fprintf(&sb, "  Fee: %s\n", getString(m, "fee"))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckBalance shows per-asset balances.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalances(ctx, req.GetString("address", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	text, err := formatBalances(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDispute shows a dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := transactionID(req, "dispute_id")
	if errRes != nil {
		return errRes, nil
	}
	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

// decodeObject keeps numbers as json.Number so base-unit amounts above
// 2^53 survive intact.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("empty response")
	}
	return m, nil
}

func rulingLabel(v string) string {
	switch v {
	case "0":
		return "split (arbitrator refused to rule)"
	case "1":
		return "payer wins"
	case "2":
		return "payee wins"
	}
	return v
}

func writeTransaction(sb *strings.Builder, tx map[string]any) {
	fmt.Fprintf(sb, "Transaction #%s\n", getString(tx, "id"))
	fmt.Fprintf(sb, "  Payer: %s\n", getString(tx, "payer"))
	fmt.Fprintf(sb, "  Payee: %s\n", getString(tx, "payee"))
	fmt.Fprintf(sb, "  Asset: %s\n", getString(tx, "asset"))
	fmt.Fprintf(sb, "  Amount: %s", getString(tx, "amount"))
	if initial := getString(tx, "initialAmount"); initial != "" {
		fmt.Fprintf(sb, " of %s", initial)
	}
	sb.WriteString("\n")
	fmt.Fprintf(sb, "  Status: %s\n", getString(tx, "status"))
	if v := getString(tx, "deadline"); v != "" {
		fmt.Fprintf(sb, "  Deadline: %s\n", v)
	}
	if d, ok := tx["hasDispute"].(bool); ok && d {
		fmt.Fprintf(sb, "  Dispute: #%s\n", getString(tx, "disputeId"))
	}
	if v := getString(tx, "ruling"); v != "" {
		fmt.Fprintf(sb, "  Ruling: %s\n", rulingLabel(v))
	}
	if v := getString(tx, "resolution"); v != "" {
		fmt.Fprintf(sb, "  Resolution: %s\n", v)
	}
	if ev, ok := tx["evidence"].([]any); ok && len(ev) > 0 {
		fmt.Fprintf(sb, "  Evidence: %d item(s)\n", len(ev))
	}
}

func formatTransaction(raw json.RawMessage) (string, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return "", err
	}
	tx, ok := m["transaction"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("unexpected transaction response format")
	}
	var sb strings.Builder
	writeTransaction(&sb, tx)
	return sb.String(), nil
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return "", err
	}
	txs, ok := m["transactions"].([]any)
	if !ok {
		if m["transactions"] == nil {
			return "No transactions found.", nil
		}
		return "", fmt.Errorf("unexpected transactions response format")
	}
	if len(txs) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d transaction(s):\n\n", len(txs))
	for _, item := range txs {
		tx, ok := item.(map[string]any)
		if !ok {
			continue
		}
		writeTransaction(&sb, tx)
		sb.WriteString("\n")
	}
	if more, _ := m["hasMore"].(bool); more {
		fmt.Fprintf(&sb, "More available. Pass cursor %q to list_escrows for the next page.\n", getString(m, "nextCursor"))
	}
	return sb.String(), nil
}

func formatBalances(raw json.RawMessage) (string, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return "", err
	}
	balances, _ := m["balances"].(map[string]any)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balances for %s:\n", getString(m, "address"))
	if len(balances) == 0 {
		sb.WriteString("  (none)\n")
		return sb.String(), nil
	}
	assets := make([]string, 0, len(balances))
	for a := range balances {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, a := range assets {
		fmt.Fprintf(&sb, "  %s: %s\n", a, getString(balances, a))
	}
	return sb.String(), nil
}

func formatDispute(raw json.RawMessage) (string, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return "", err
	}
	d, ok := m["dispute"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("unexpected dispute response format")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute #%s\n", getString(d, "id"))
	fmt.Fprintf(&sb, "  Arbitrable: %s\n", getString(d, "arbitrable"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(d, "status"))
	if s := getString(d, "status"); s != "waiting" {
		fmt.Fprintf(&sb, "  Ruling: %s\n", rulingLabel(getString(d, "ruling")))
	}
	fmt.Fprintf(&sb, "  Fees: %s\n", getString(d, "fees"))
	if v := getString(d, "appealEnd"); v != "" {
		fmt.Fprintf(&sb, "  Appeal window ends: %s\n", v)
	}
	if v := getString(d, "appeals"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Appeals: %s\n", v)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch t := v.(type) {
			case string:
				return t
			case json.Number:
				return t.String()
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
	}
	return ""
}
