package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
)

type stubReader struct {
	block   uint64
	balance *big.Int
	err     error
	asked   common.Address
}

func (s *stubReader) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubReader) BlockNumber(context.Context) (uint64, error) {
	return s.block, s.err
}
func (s *stubReader) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	s.asked = account
	return s.balance, s.err
}

func TestBalance(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	reader := &stubReader{balance: wei}
	d := New(reader, "sepolia")

	res := d.Execute(context.Background(), "chain_balance", map[string]string{"address": "0x00000000219ab540356cBB839Cbe05303d7705Fa"}, driver.ExecContext{})
	require.True(t, res.OK(), "%+v", res.Error)
	assert.Equal(t, "1.500000", res.Data["balance_eth"])
	assert.Equal(t, "1500000000000000000", res.Data["balance_wei"])
	assert.Equal(t, common.HexToAddress("0x00000000219ab540356cBB839Cbe05303d7705Fa"), reader.asked)
}

func TestBlockNumberAndFailures(t *testing.T) {
	reader := &stubReader{block: 255}
	d := New(reader, "")
	res := d.Execute(context.Background(), "chain_block_number", nil, driver.ExecContext{})
	require.True(t, res.OK())
	assert.Equal(t, "0xff", res.Data["hex"])

	res = d.Execute(context.Background(), "chain_balance", map[string]string{"address": "vitalik"}, driver.ExecContext{})
	assert.Equal(t, "INVALID_ADDRESS", res.Error.Code)
	assert.False(t, res.Error.Transient)

	reader.err = errors.New("connection refused")
	res = d.Execute(context.Background(), "chain_block_number", nil, driver.ExecContext{})
	assert.True(t, res.Error.Transient)
}

func TestCapabilitiesArePureRead(t *testing.T) {
	d := New(&stubReader{}, "")
	for _, nt := range d.SupportedNodeTypes() {
		c, ok := d.Describe(nt)
		require.True(t, ok)
		assert.Equal(t, driver.PureRead, c.SideEffect)
	}
}
