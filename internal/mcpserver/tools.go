// Package mcpserver registers read-only MCP tools over the synchronized
// ledger and chat history. Tools consume snapshots and decrypted copies;
// nothing here can mutate the ledger or touch the sync path.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"github.com/pairbook/pairbook/internal/chat"
	"github.com/pairbook/pairbook/internal/ledger"
)

// defaultMessageLimit bounds list_messages output when no limit is given.
const defaultMessageLimit = 50

// LedgerSource provides point-in-time ledger snapshots. *sync.Engine
// satisfies this interface.
type LedgerSource interface {
	Snapshot(ctx context.Context) (ledger.Ledger, error)
}

// MessageSource provides the decrypted chat backlog. *chat.Service
// satisfies this interface.
type MessageSource interface {
	History(ctx context.Context) ([]chat.Message, error)
}

// RegisterTools adds all pairbook tools to the given MCP server.
func RegisterTools(server *mcp.Server, ledgers LedgerSource, messages MessageSource) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_summary",
		Description: "Summarize the shared ledger: counts and totals per collection, currency, and pairing status. Use this first to get an overview.",
	}, summaryHandler(ledgers))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_expenses",
		Description: "List expense entries with description, amount, category, date and payer. Optionally filter by category or payer.",
	}, expensesHandler(ledgers))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_goals",
		Description: "List savings goals with target, saved amount and remaining gap.",
	}, goalsHandler(ledgers))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_messages",
		Description: "List recent chat messages between the two parties, decrypted, oldest first. Defaults to the last 50.",
	}, messagesHandler(messages))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SummaryInput has no parameters.
type SummaryInput struct{}

// ExpensesInput holds parameters for list_expenses.
type ExpensesInput struct {
	Category string `json:"category,omitempty" jsonschema:"filter by category, exact match"`
	PaidBy   string `json:"paid_by,omitempty" jsonschema:"filter by payer, A or B"`
}

// GoalsInput has no parameters.
type GoalsInput struct{}

// MessagesInput holds parameters for list_messages.
type MessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of messages, most recent kept, defaults to 50"`
}

// --- Result types ---

// SummaryResult is the ledger_summary output.
type SummaryResult struct {
	Paired            bool   `json:"paired"`
	Currency          string `json:"currency"`
	ExpenseCount      int    `json:"expense_count"`
	ExpenseTotal      string `json:"expense_total"`
	FixedMonthlyTotal string `json:"fixed_monthly_total"`
	IncomeTotal       string `json:"income_total"`
	GoalCount         int    `json:"goal_count"`
	LoanCount         int    `json:"loan_count"`
	CreditCardCount   int    `json:"credit_card_count"`
}

// ExpenseItem is one expense in list_expenses output.
type ExpenseItem struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Category    string `json:"category,omitempty"`
	Date        string `json:"date,omitempty"`
	PaidBy      string `json:"paid_by"`
}

// ExpensesResult is the list_expenses output.
type ExpensesResult struct {
	Expenses []ExpenseItem `json:"expenses"`
	Count    int           `json:"count"`
}

// GoalItem is one goal in list_goals output.
type GoalItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Target    string `json:"target"`
	Saved     string `json:"saved"`
	Remaining string `json:"remaining"`
}

// GoalsResult is the list_goals output.
type GoalsResult struct {
	Goals []GoalItem `json:"goals"`
}

// MessageItem is one chat message in list_messages output.
type MessageItem struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// MessagesResult is the list_messages output.
type MessagesResult struct {
	Messages []MessageItem `json:"messages"`
	Count    int           `json:"count"`
}

// --- Handlers ---

func summaryHandler(src LedgerSource) mcp.ToolHandlerFor[SummaryInput, *SummaryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SummaryInput) (*mcp.CallToolResult, *SummaryResult, error) {
		l, err := src.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		expenseTotal := decimal.Zero
		for _, e := range l.Expenses {
			expenseTotal = expenseTotal.Add(e.Amount)
		}

		fixedTotal := decimal.Zero
		for _, f := range l.FixedPayments {
			fixedTotal = fixedTotal.Add(f.Amount)
		}

		incomeTotal := decimal.Zero
		for _, in := range l.Incomes {
			incomeTotal = incomeTotal.Add(in.Amount)
		}

		result := &SummaryResult{
			Paired:            l.Settings.PairingID != "",
			Currency:          l.Settings.Currency,
			ExpenseCount:      len(l.Expenses),
			ExpenseTotal:      expenseTotal.String(),
			FixedMonthlyTotal: fixedTotal.String(),
			IncomeTotal:       incomeTotal.String(),
			GoalCount:         len(l.SavingsGoals),
			LoanCount:         len(l.Loans),
			CreditCardCount:   len(l.CreditCards),
		}

		return textResult(result), result, nil
	}
}

func expensesHandler(src LedgerSource) mcp.ToolHandlerFor[ExpensesInput, *ExpensesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExpensesInput) (*mcp.CallToolResult, *ExpensesResult, error) {
		l, err := src.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		items := make([]ExpenseItem, 0, len(l.Expenses))

		for _, e := range l.Expenses {
			if input.Category != "" && e.Category != input.Category {
				continue
			}

			if input.PaidBy != "" && string(e.PaidBy) != input.PaidBy {
				continue
			}

			items = append(items, ExpenseItem{
				ID:          e.ID,
				Description: e.Description,
				Amount:      e.Amount.String(),
				Category:    e.Category,
				Date:        e.Date,
				PaidBy:      string(e.PaidBy),
			})
		}

		result := &ExpensesResult{Expenses: items, Count: len(items)}

		return textResult(result), result, nil
	}
}

func goalsHandler(src LedgerSource) mcp.ToolHandlerFor[GoalsInput, *GoalsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ GoalsInput) (*mcp.CallToolResult, *GoalsResult, error) {
		l, err := src.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		items := make([]GoalItem, 0, len(l.SavingsGoals))

		for _, g := range l.SavingsGoals {
			items = append(items, GoalItem{
				ID:        g.ID,
				Name:      g.Name,
				Target:    g.Target.String(),
				Saved:     g.Saved.String(),
				Remaining: g.Target.Sub(g.Saved).String(),
			})
		}

		result := &GoalsResult{Goals: items}

		return textResult(result), result, nil
	}
}

func messagesHandler(src MessageSource) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		msgs, err := src.History(ctx)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessageLimit
		}

		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		items := make([]MessageItem, 0, len(msgs))

		for _, m := range msgs {
			items = append(items, MessageItem{
				ID:        m.ID,
				Sender:    string(m.Sender),
				Text:      m.Text,
				CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}

		result := &MessagesResult{Messages: items, Count: len(items)}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
