// Wallet tools - balance lookup and the send-ETH transaction tray

package tools

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/basemate/basemate/chain"
	"github.com/basemate/basemate/content"
	"github.com/basemate/basemate/pkg/config"
)

// BalanceTool reads the native balance of an address over JSON-RPC.
type BalanceTool struct {
	client  *chain.Client
	chainID int64
	chains  *config.ChainRegistry
}

// NewBalanceTool creates the balance tool for the given chain.
func NewBalanceTool(client *chain.Client, chainID int64, chains *config.ChainRegistry) *BalanceTool {
	return &BalanceTool{client: client, chainID: chainID, chains: chains}
}

func (t *BalanceTool) Name() string { return "get_wallet_balance" }

func (t *BalanceTool) Description() string {
	return "Get the native ETH balance of a wallet address"
}

func (t *BalanceTool) Parameters() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"address": StringProperty("Wallet address (0x...)"),
	}, "address")
}

func (t *BalanceTool) Terminal() bool { return false }

func (t *BalanceTool) Execute(ctx context.Context, args map[string]interface{}) (content.Result, error) {
	address := strings.TrimSpace(GetString(args, "address"))
	if !content.ValidAddress(address) {
		return content.Failure(fmt.Errorf("invalid address %q", address),
			"That doesn't look like a valid wallet address. It should start with 0x followed by 40 hex characters."), nil
	}

	balance, err := t.client.BalanceAt(ctx, address)
	if err != nil {
		return content.Result{}, fmt.Errorf("balance lookup: %w", err)
	}

	name := "the network"
	if c, ok := t.chains.Get(t.chainID); ok {
		name = c.Name
	}
	return content.UserMessage(fmt.Sprintf("%s holds %s ETH on %s.",
		shortAddress(address), chain.FormatEther(balance), name)), nil
}

// SendTool builds a wallet-send transaction tray. It is terminal: once the
// tray is in front of the user, a narrative follow-up from the model would
// arrive after they may have already signed.
type SendTool struct {
	chainID int64
	chains  *config.ChainRegistry
}

// NewSendTool creates the send tool for the given chain.
func NewSendTool(chainID int64, chains *config.ChainRegistry) *SendTool {
	return &SendTool{chainID: chainID, chains: chains}
}

func (t *SendTool) Name() string { return "send_eth" }

func (t *SendTool) Description() string {
	return "Prepare a transaction for the user to send ETH to an address. The user signs in their own wallet."
}

func (t *SendTool) Parameters() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"to":     StringProperty("Recipient wallet address (0x...)"),
		"amount": NumberProperty("Amount of ETH to send"),
	}, "to", "amount")
}

func (t *SendTool) Terminal() bool { return true }

func (t *SendTool) Execute(ctx context.Context, args map[string]interface{}) (content.Result, error) {
	to := strings.TrimSpace(GetString(args, "to"))
	amount := GetFloat(args, "amount")

	if !content.ValidAddress(to) {
		return content.Failure(fmt.Errorf("invalid recipient %q", to),
			fmt.Sprintf("I can't send to %q - that isn't a valid wallet address.", to)), nil
	}
	if amount <= 0 {
		return content.Failure(fmt.Errorf("invalid amount %v", amount),
			"The amount has to be greater than zero."), nil
	}

	wei := etherToWei(amount)
	chainName := fmt.Sprintf("chain %d", t.chainID)
	if c, ok := t.chains.Get(t.chainID); ok {
		chainName = c.Name
	}

	tx := &content.Transaction{
		Version: "1.0",
		ChainID: t.chainID,
		Calls: []content.TransactionCall{
			{
				To:    to,
				Value: "0x" + wei.Text(16),
				Data:  "0x",
				Metadata: map[string]interface{}{
					"description":     fmt.Sprintf("Send %v ETH to %s", amount, shortAddress(to)),
					"transactionType": "transfer",
				},
			},
		},
	}
	msg := fmt.Sprintf("Here's your transaction to send %v ETH to %s on %s. Approve it in your wallet to continue.",
		amount, shortAddress(to), chainName)
	return content.NewTransaction(msg, tx), nil
}

func etherToWei(amount float64) *big.Int {
	ether := new(big.Rat).SetFloat64(amount)
	if ether == nil {
		return big.NewInt(0)
	}
	wei := new(big.Rat).Mul(ether, new(big.Rat).SetInt64(1e18))
	out := new(big.Int).Quo(wei.Num(), wei.Denom())
	return out
}

func shortAddress(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
