package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Lock funds in escrow for a payee. You are the payer. "+
			"The payee can claim the funds with execute_escrow once the payment timeout passes, "+
			"unless you release them earlier with release_payment or raise a dispute."),
	mcp.WithString("payee",
		mcp.Required(),
		mcp.Description("Payee address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units as a decimal integer (e.g. '1000000')")),
	mcp.WithString("asset",
		mcp.Description("'native' (default) or a whitelisted token address")),
	mcp.WithString("payment_timeout",
		mcp.Description("How long before the payee may claim, as a duration (e.g. '72h'). Defaults to the server setting.")),
	mcp.WithString("evidence_ref",
		mcp.Description("Optional URI describing the agreement (e.g. 'ipfs://...')")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Show one escrow transaction: parties, remaining amount, status, deadline, "+
			"dispute state, and any ruling."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID returned by create_escrow")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrow transactions where an address is payer or payee, newest first."),
	mcp.WithString("party",
		mcp.Description("Address to list for. Defaults to your own address.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_escrows result to fetch the next page")),
)

var ToolReleasePayment = mcp.NewTool("release_payment",
	mcp.WithDescription(
		"Release part or all of an escrow to the payee. Payer only. "+
			"The platform fee is deducted from the released amount."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units to release")),
)

var ToolReimburse = mcp.NewTool("reimburse",
	mcp.WithDescription(
		"Return part or all of an escrow to the payer. Payee only."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units to return")),
)

var ToolRaiseDispute = mcp.NewTool("raise_dispute",
	mcp.WithDescription(
		"Raise a dispute by depositing your side of the arbitration fee. "+
			"The fee is looked up from the arbitrator automatically. "+
			"Once both sides have paid, the dispute goes to the arbitrator; "+
			"if the other side never pays, use claim_fee_timeout to win by default."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
	mcp.WithString("evidence_uri",
		mcp.Description("Optional evidence URI to submit along with the fee")),
)

var ToolSubmitEvidence = mcp.NewTool("submit_evidence",
	mcp.WithDescription(
		"Attach an evidence URI to an escrow transaction. Only the payer or payee may submit."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
	mcp.WithString("uri",
		mcp.Required(),
		mcp.Description("Absolute URI of the evidence (e.g. 'ipfs://...' or 'https://...')")),
)

var ToolExecuteEscrow = mcp.NewTool("execute_escrow",
	mcp.WithDescription(
		"Claim the remaining escrow for the payee after the payment timeout has passed "+
			"with no dispute. Anyone may call this."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
)

var ToolClaimFeeTimeout = mcp.NewTool("claim_fee_timeout",
	mcp.WithDescription(
		"Win a dispute by default when the other side did not pay the arbitration fee in time."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
)

var ToolQuoteFee = mcp.NewTool("quote_fee",
	mcp.WithDescription(
		"Quote the platform fee charged on a payment of the given amount."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check per-asset balances held by escrowd for an address."),
	mcp.WithString("address",
		mcp.Description("Address to check. Defaults to your own address.")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Show a dispute as the arbitrator sees it: status, ruling, fees, and appeal window."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID from the transaction's disputeId field")),
)
