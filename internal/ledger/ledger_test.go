package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betterbot/pkg/types"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestAppend_BalancedEntrySucceeds(t *testing.T) {
	l := New(false, false)
	entry, err := l.Append(1, "trade-1", []types.LedgerPosting{
		{Account: AccountCash, Direction: types.SELL, Amount: d("10.00000000")},
		{Account: AccountPositions, Direction: types.BUY, Amount: d("10.00000000")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.EntryID)
	assert.True(t, l.Balance(AccountCash).Equal(d("-10.00000000")))
	assert.True(t, l.Balance(AccountPositions).Equal(d("10.00000000")))
}

func TestAppend_UnbalancedEntryRejected(t *testing.T) {
	l := New(false, false)
	_, err := l.Append(1, "bad", []types.LedgerPosting{
		{Account: AccountCash, Direction: types.SELL, Amount: d("10")},
		{Account: AccountPositions, Direction: types.BUY, Amount: d("9")},
	})
	require.Error(t, err)
	var unbalanced *ErrUnbalanced
	assert.ErrorAs(t, err, &unbalanced)
}

func TestAppend_StrictAccountingCatchesEquityBreak(t *testing.T) {
	l := New(true, false)
	// Posting cash/positions without a matching shareholder_equity leg
	// breaks the equity identity even though the entry itself balances.
	_, err := l.Append(1, "desync", []types.LedgerPosting{
		{Account: AccountCash, Direction: types.BUY, Amount: d("5")},
		{Account: AccountFees, Direction: types.SELL, Amount: d("5")},
	})
	require.Error(t, err)
	var violation *ErrAccountingViolation
	assert.ErrorAs(t, err, &violation)
}

func TestAppend_NoNegativeCashRejectsOverdraw(t *testing.T) {
	l := New(false, true)
	_, err := l.Append(1, "overdraw", []types.LedgerPosting{
		{Account: AccountCash, Direction: types.SELL, Amount: d("100")},
		{Account: AccountPositions, Direction: types.BUY, Amount: d("100")},
	})
	require.Error(t, err)
	assert.Equal(t, decimal.Zero, l.Balance(AccountCash))
}

func TestLastN_ReturnsMostRecentEntriesOldestFirst(t *testing.T) {
	l := New(false, false)
	for i := 0; i < 5; i++ {
		_, err := l.Append(int64(i), "e", []types.LedgerPosting{
			{Account: AccountCash, Direction: types.BUY, Amount: decimal.Zero},
			{Account: AccountPositions, Direction: types.SELL, Amount: decimal.Zero},
		})
		require.NoError(t, err)
	}
	last := l.LastN(2)
	require.Len(t, last, 2)
	assert.Equal(t, int64(4), last[0].EntryID)
	assert.Equal(t, int64(5), last[1].EntryID)
}
