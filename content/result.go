// Package content models tool results and routes them to wire content types.
package content

import (
	"fmt"
	"regexp"
	"time"

	"github.com/basemate/basemate/pkg/config"
)

// Kind discriminates the Result union.
type Kind int

const (
	KindText Kind = iota
	KindUserMessage
	KindTransaction
	KindQuickActions
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindUserMessage:
		return "user-message"
	case KindTransaction:
		return "transaction"
	case KindQuickActions:
		return "quick-actions"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is the tagged union a tool invocation produces. Use the
// constructors; they enforce the non-empty user message invariant.
type Result struct {
	Kind         Kind
	Text         string
	UserMessage  string
	Transaction  *Transaction
	QuickActions *QuickActions
	Err          error
}

// TransactionCall is one call in a wallet-send tray.
type TransactionCall struct {
	To       string                 `json:"to"`
	Value    string                 `json:"value"` // hex-encoded wei
	Data     string                 `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Transaction is the wallet-send-calls payload.
type Transaction struct {
	Version string            `json:"version"`
	ChainID int64             `json:"chainId"`
	Calls   []TransactionCall `json:"calls"`
}

// QuickAction is one tappable option.
type QuickAction struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style"`
}

// QuickActions is the structured options payload.
type QuickActions struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Actions     []QuickAction `json:"actions"`
	ExpiresAt   time.Time     `json:"expiresAt,omitempty"`
}

// Text returns a plain text result.
func Text(s string) Result {
	return Result{Kind: KindText, Text: s}
}

// UserMessage returns a user-message-only result.
func UserMessage(s string) Result {
	if s == "" {
		s = "Done."
	}
	return Result{Kind: KindUserMessage, UserMessage: s}
}

// NewTransaction returns a transaction-tray result.
func NewTransaction(userMessage string, tx *Transaction) Result {
	if userMessage == "" {
		userMessage = "Review and approve the transaction below."
	}
	return Result{Kind: KindTransaction, UserMessage: userMessage, Transaction: tx}
}

// NewQuickActions returns a quick-actions result.
func NewQuickActions(userMessage string, qa *QuickActions) Result {
	if userMessage == "" {
		userMessage = "Choose one of the options below."
	}
	return Result{Kind: KindQuickActions, UserMessage: userMessage, QuickActions: qa}
}

// Failure returns a failed result. userMessage is what the user sees;
// the error itself never reaches the transport.
func Failure(err error, userMessage string) Result {
	return Result{Kind: KindFailure, Err: err, UserMessage: userMessage}
}

// Summary returns a short textual description of what the result carries,
// suitable for the correlated tool turn fed back to the model.
func (r Result) Summary() string {
	switch r.Kind {
	case KindText:
		return r.Text
	case KindUserMessage:
		return r.UserMessage
	case KindTransaction:
		if r.Transaction == nil {
			return "error: transaction result carried no payload"
		}
		return fmt.Sprintf("sent transaction tray (%d calls, chain %d): %s",
			len(r.Transaction.Calls), r.Transaction.ChainID, r.UserMessage)
	case KindQuickActions:
		if r.QuickActions == nil {
			return "error: quick actions result carried no payload"
		}
		return fmt.Sprintf("sent quick actions (%d options): %s",
			len(r.QuickActions.Actions), r.UserMessage)
	case KindFailure:
		return "error: " + r.UserMessage
	default:
		return ""
	}
}

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is a syntactically valid account address.
func ValidAddress(s string) bool {
	return addressRe.MatchString(s)
}

// AllowedStyles for quick actions.
var AllowedStyles = map[string]bool{
	"primary":   true,
	"secondary": true,
	"danger":    true,
}

const maxQuickActions = 10

// ValidateTransaction checks the payload against the wallet-send contract.
func ValidateTransaction(tx *Transaction, chains *config.ChainRegistry) error {
	if tx == nil {
		return fmt.Errorf("transaction payload is nil")
	}
	if len(tx.Calls) == 0 {
		return fmt.Errorf("transaction has no calls")
	}
	if chains != nil && !chains.Known(tx.ChainID) {
		return fmt.Errorf("unknown chain id %d", tx.ChainID)
	}
	for i, call := range tx.Calls {
		if !ValidAddress(call.To) {
			return fmt.Errorf("call %d: invalid recipient address %q", i, call.To)
		}
	}
	return nil
}

// ValidateQuickActions checks the payload against the quick-actions contract.
func ValidateQuickActions(qa *QuickActions) error {
	if qa == nil {
		return fmt.Errorf("quick actions payload is nil")
	}
	if len(qa.Actions) == 0 || len(qa.Actions) > maxQuickActions {
		return fmt.Errorf("quick actions count %d outside [1,%d]", len(qa.Actions), maxQuickActions)
	}
	for i, a := range qa.Actions {
		if a.ID == "" || a.Label == "" {
			return fmt.Errorf("action %d: empty id or label", i)
		}
		if !AllowedStyles[a.Style] {
			return fmt.Errorf("action %d: invalid style %q", i, a.Style)
		}
	}
	return nil
}
