// Package chain 提供以太坊只读查询能力：最新区块高度与账户余额。
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/workflow"
)

// Reader 是驱动需要的最小链上读取接口，*ethclient.Client 满足该接口。
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Dial 连接 EVM 兼容节点。
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return client, nil
}

// Driver 执行链上只读查询。
type Driver struct {
	driver.Catalog
	reader  Reader
	network string
}

// New 创建链上查询驱动。
func New(reader Reader, network string) *Driver {
	if network == "" {
		network = "ethereum"
	}
	return &Driver{
		reader:  reader,
		network: network,
		Catalog: driver.Catalog{
			"chain_block_number": {
				Description:   "Read the latest block number",
				System:        network + " node",
				SideEffect:    driver.PureRead,
				EstimatedCost: "1 RPC call",
				Keywords:      []string{"block", "chain", "height", "ethereum"},
			},
			"chain_balance": {
				Description:   "Read an account balance",
				System:        network + " node",
				TargetParam:   "address",
				Required:      []driver.ParamDescriptor{{Name: "address", Type: workflow.ParamString}},
				SideEffect:    driver.PureRead,
				EstimatedCost: "1 RPC call",
				Keywords:      []string{"balance", "wallet", "address", "ethereum", "eth"},
			},
		},
	}
}

// Execute 实现 driver.Driver。节点错误一律视为可重试。
func (d *Driver) Execute(ctx context.Context, nodeType string, params map[string]string, _ driver.ExecContext) driver.Result {
	if d.reader == nil {
		return driver.Permanent("CHAIN_NOT_CONFIGURED", "未配置以太坊节点")
	}
	switch nodeType {
	case "chain_block_number":
		number, err := d.reader.BlockNumber(ctx)
		if err != nil {
			return driver.Transient("CHAIN_UNAVAILABLE", "获取最新区块高度失败: "+err.Error())
		}
		return driver.Success(map[string]any{
			"block_number": number,
			"hex":          fmt.Sprintf("0x%x", number),
			"network":      d.network,
		})
	case "chain_balance":
		addr := strings.TrimSpace(params["address"])
		if !common.IsHexAddress(addr) {
			return driver.Permanent("INVALID_ADDRESS", "地址格式非法: "+addr)
		}
		balance, err := d.reader.BalanceAt(ctx, common.HexToAddress(addr), nil)
		if err != nil {
			return driver.Transient("CHAIN_UNAVAILABLE", "查询余额失败: "+err.Error())
		}
		return driver.Success(map[string]any{
			"address":     common.HexToAddress(addr).Hex(),
			"balance_wei": balance.String(),
			"balance_eth": FormatEther(balance),
			"network":     d.network,
		})
	default:
		return driver.Permanent("UNSUPPORTED_NODE_TYPE", "不支持的节点类型 "+nodeType)
	}
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// FormatEther 将 wei 换算为保留 6 位小数的 ETH 字符串。
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.000000"
	}
	return new(big.Rat).SetFrac(wei, weiPerEther).FloatString(6)
}
