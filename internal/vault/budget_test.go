package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudget_CooldownBlocksImmediateRetrade(t *testing.T) {
	b := NewBudget(time.Minute, dec("1000"))
	now := time.Now()
	assert.True(t, b.Admit("m1", dec("10"), now))
	b.Record("m1", dec("10"), now)
	assert.False(t, b.Admit("m1", dec("10"), now.Add(30*time.Second)))
	assert.True(t, b.Admit("m1", dec("10"), now.Add(2*time.Minute)))
}

func TestBudget_DailyCapBlocksOverage(t *testing.T) {
	b := NewBudget(0, dec("100"))
	now := time.Now()
	assert.True(t, b.Admit("m1", dec("90"), now))
	b.Record("m1", dec("90"), now)
	assert.False(t, b.Admit("m1", dec("20"), now))
	// A different market has its own cap.
	assert.True(t, b.Admit("m2", dec("90"), now))
}

func TestBudget_CallTokenBudgetExhaustion(t *testing.T) {
	b := NewBudget(0, dec("0"))
	b.SetCallTokenBudgets(2, 1000)
	now := time.Now()
	assert.True(t, b.AdmitCall(400, now))
	b.RecordCall(400)
	assert.True(t, b.AdmitCall(400, now))
	b.RecordCall(400)
	assert.False(t, b.AdmitCall(400, now), "call count budget exhausted")
}
