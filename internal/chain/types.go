package chain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pubkey is a ledger account address (base58 string).
type Pubkey string

// Signature is a ledger transaction signature.
type Signature string

// ---------------------------------------------------------------------------
// Account & transaction types
// ---------------------------------------------------------------------------

// TokenMetadata describes an on-chain token mint.
type TokenMetadata struct {
	Mint            Pubkey          `json:"mint"`
	Supply          decimal.Decimal `json:"supply"`
	Decimals        uint8           `json:"decimals"`
	MintAuthority   Pubkey          `json:"mint_authority"`   // empty = renounced
	FreezeAuthority Pubkey          `json:"freeze_authority"` // empty = renounced
	Initialized     bool            `json:"initialized"`
}

// SignatureInfo is one entry from a recent-signatures listing.
type SignatureInfo struct {
	Signature Signature `json:"signature"`
	Slot      uint64    `json:"slot"`
	BlockTime time.Time `json:"block_time"`
	Failed    bool      `json:"failed"`
}

// TokenBalance is a token account balance snapshot inside a transaction.
type TokenBalance struct {
	AccountIndex int             `json:"account_index"`
	Owner        Pubkey          `json:"owner"`
	Mint         Pubkey          `json:"mint"`
	Amount       decimal.Decimal `json:"amount"`
	Decimals     uint8           `json:"decimals"`
}

// TransactionDetail carries the structured pre/post token balances of a
// confirmed transaction. Balance deltas are the reliable way to see what a
// wallet bought; log text parsing is not.
type TransactionDetail struct {
	Signature         Signature      `json:"signature"`
	Slot              uint64         `json:"slot"`
	BlockTime         time.Time      `json:"block_time"`
	PreTokenBalances  []TokenBalance `json:"pre_token_balances"`
	PostTokenBalances []TokenBalance `json:"post_token_balances"`
}

// TokenTransfer is a positive token-balance delta extracted from a
// transaction for a specific owner.
type TokenTransfer struct {
	Mint      Pubkey          `json:"mint"`
	Amount    decimal.Decimal `json:"amount"`
	Owner     Pubkey          `json:"owner"`
	Signature Signature       `json:"signature"`
	BlockTime time.Time       `json:"block_time"`
}

// ExtractTokenTransfers returns every positive token-balance delta owned by
// owner in the transaction. Accounts present only post-transaction count with
// their full post amount (fresh token account).
func ExtractTokenTransfers(tx *TransactionDetail, owner Pubkey) []TokenTransfer {
	if tx == nil {
		return nil
	}

	pre := make(map[int]TokenBalance, len(tx.PreTokenBalances))
	for _, b := range tx.PreTokenBalances {
		pre[b.AccountIndex] = b
	}

	var transfers []TokenTransfer
	for _, post := range tx.PostTokenBalances {
		if post.Owner != owner {
			continue
		}
		delta := post.Amount
		if prev, ok := pre[post.AccountIndex]; ok {
			delta = post.Amount.Sub(prev.Amount)
		}
		if delta.IsPositive() {
			transfers = append(transfers, TokenTransfer{
				Mint:      post.Mint,
				Amount:    delta,
				Owner:     owner,
				Signature: tx.Signature,
				BlockTime: tx.BlockTime,
			})
		}
	}
	return transfers
}

// LogEvent is emitted by a program-log subscription.
type LogEvent struct {
	ProgramID  Pubkey    `json:"program_id"`
	Signature  Signature `json:"signature"`
	Slot       uint64    `json:"slot"`
	Logs       []string  `json:"logs"`
	ReceivedAt time.Time `json:"received_at"`
}

// Well-known program IDs.
const (
	RaydiumProgramID Pubkey = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	PumpFunProgramID Pubkey = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	JupiterProgramID Pubkey = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
)

// NativeMint is the wrapped native coin used as the base asset.
const NativeMint Pubkey = "So11111111111111111111111111111111111111112"
