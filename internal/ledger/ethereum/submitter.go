// Package ethereum anchors attestations on EVM compatible chains through
// a plain JSON-RPC connection: proofs are ABI encoded, signed locally and
// broadcast as raw transactions, confirmations are polled in the
// background so submission never blocks verification.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentProof-Chain/internal/ledger"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/pkg/logger"
)

// proofRegistryABI 描述链上证明登记合约的两个写入口。
const proofRegistryABI = `[
  {"type":"function","name":"recordProof","stateMutability":"nonpayable","inputs":[
    {"name":"contentId","type":"bytes32"},
    {"name":"trustScore","type":"uint8"},
    {"name":"method","type":"string"},
    {"name":"success","type":"bool"},
    {"name":"timestamp","type":"uint64"},
    {"name":"verifier","type":"string"}],"outputs":[]},
  {"type":"function","name":"recordBatch","stateMutability":"nonpayable","inputs":[
    {"name":"contentIds","type":"bytes32[5]"},
    {"name":"trustScores","type":"uint8[5]"},
    {"name":"method","type":"string"},
    {"name":"timestamp","type":"uint64"},
    {"name":"verifier","type":"string"}],"outputs":[]}
]`

const (
	defaultGasLimit     = 300_000
	defaultPollInterval = 2 * time.Second
	defaultConfirmWait  = 90 * time.Second
)

// Caller mirrors the subset of the go-ethereum RPC client used by the
// submitter, so tests can substitute a scripted endpoint.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Config describes how to construct a chain submitter.
type Config struct {
	Name            string
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	GasLimit        uint64
	Notes           string
}

// Submitter implements ledger.Submitter against an EVM chain.
type Submitter struct {
	name     string
	notes    string
	rpc      Caller
	closeRPC func()

	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int
	signer   coretypes.Signer
	registry abi.ABI
	gasLimit uint64

	pollInterval time.Duration
	confirmWait  time.Duration

	mu        sync.Mutex
	nonce     uint64
	nonceInit bool

	log *slog.Logger
}

// NewSubmitter dials the configured RPC endpoint and validates the chain.
func NewSubmitter(ctx context.Context, cfg Config) (*Submitter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置账本 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接账本节点失败: %w", err)
	}

	var chainID hexutil.Big
	if err := rpcClient.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	s, err := NewWithCaller(cfg, rpcClient, (*big.Int)(&chainID))
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	s.closeRPC = rpcClient.Close
	return s, nil
}

// NewWithCaller builds a submitter over an existing RPC caller. The chain
// id must match what the endpoint reports.
func NewWithCaller(cfg Config, rpc Caller, chainID *big.Int) (*Submitter, error) {
	if rpc == nil {
		return nil, errors.New("未提供 RPC 调用器")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("链 ID 必须为正数")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("非法的合约地址: %s", cfg.ContractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}

	registry, err := abi.JSON(strings.NewReader(proofRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("解析登记合约 ABI 失败: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	id := new(big.Int).Set(chainID)
	return &Submitter{
		name:         cfg.Name,
		notes:        cfg.Notes,
		rpc:          rpc,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		contract:     common.HexToAddress(cfg.ContractAddress),
		chainID:      id,
		signer:       coretypes.LatestSignerForChainID(id),
		registry:     registry,
		gasLimit:     gasLimit,
		pollInterval: defaultPollInterval,
		confirmWait:  defaultConfirmWait,
		log:          logger.Named("ledger.ethereum"),
	}, nil
}

// SubmitProof anchors a single execution proof.
func (s *Submitter) SubmitProof(ctx context.Context, proof proofs.ExecutionProof) (*ledger.Handle, error) {
	data, err := s.registry.Pack("recordProof",
		[32]byte(proof.ContentID),
		proof.TrustScore,
		string(proof.Method),
		proof.Success,
		uint64(proof.Timestamp.Unix()),
		proof.Verifier,
	)
	if err != nil {
		return nil, fmt.Errorf("编码执行证明失败: %w", err)
	}
	return s.send(ctx, data)
}

// SubmitBatch anchors a batch proof. Empty slots are encoded as the zero
// hash; the on-chain registry treats an all-zero content id as "absent".
func (s *Submitter) SubmitBatch(ctx context.Context, batch proofs.BatchProof) (*ledger.Handle, error) {
	var contentIDs [proofs.BatchSlots][32]byte
	for i, slot := range batch.Slots {
		if slot.Present {
			contentIDs[i] = [32]byte(slot.ID)
		}
	}

	data, err := s.registry.Pack("recordBatch",
		contentIDs,
		batch.Scores,
		string(batch.Method),
		uint64(batch.Timestamp.Unix()),
		batch.Verifier,
	)
	if err != nil {
		return nil, fmt.Errorf("编码批量证明失败: %w", err)
	}
	return s.send(ctx, data)
}

// send signs the calldata into a transaction, broadcasts it and spawns the
// confirmation poller. Nonce assignment is serialized so concurrent
// submissions do not collide.
func (s *Submitter) send(ctx context.Context, data []byte) (*ledger.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.nonceInit {
		var pending hexutil.Uint64
		if err := s.rpc.CallContext(ctx, &pending, "eth_getTransactionCount", s.from, "pending"); err != nil {
			return nil, fmt.Errorf("查询账户 nonce 失败: %w", err)
		}
		s.nonce = uint64(pending)
		s.nonceInit = true
	}

	var gasPrice hexutil.Big
	if err := s.rpc.CallContext(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    s.nonce,
		GasPrice: (*big.Int)(&gasPrice),
		Gas:      s.gasLimit,
		To:       &s.contract,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("序列化交易失败: %w", err)
	}

	var txHash common.Hash
	if err := s.rpc.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		// nonce 状态不可信，下次提交前重新查询。
		s.nonceInit = false
		return nil, fmt.Errorf("广播交易失败: %w", err)
	}
	s.nonce++

	handle := ledger.NewHandle(txHash.Hex())
	go s.awaitReceipt(handle, txHash)
	return handle, nil
}

// awaitReceipt polls for the transaction receipt until confirmation or
// the confirmation window closes.
func (s *Submitter) awaitReceipt(handle *ledger.Handle, txHash common.Hash) {
	ctx, cancel := context.WithTimeout(context.Background(), s.confirmWait)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			handle.Complete(ledger.Receipt{}, fmt.Errorf("等待交易 %s 确认超时", txHash.Hex()))
			return
		case <-ticker.C:
			var receipt *txReceipt
			if err := s.rpc.CallContext(ctx, &receipt, "eth_getTransactionReceipt", txHash); err != nil {
				s.log.Warn("查询交易回执失败", "tx", txHash.Hex(), "error", err)
				continue
			}
			if receipt == nil || receipt.BlockNumber == nil {
				continue
			}
			if receipt.Status == 0 {
				handle.Complete(ledger.Receipt{}, fmt.Errorf("交易 %s 在链上执行失败", txHash.Hex()))
				return
			}
			handle.Complete(ledger.Receipt{
				TxHash:      txHash.Hex(),
				BlockNumber: receipt.BlockNumber.String(),
			}, nil)
			return
		}
	}
}

// Snapshot gathers lightweight metadata from the chain.
func (s *Submitter) Snapshot(ctx context.Context) (ledger.ChainSnapshot, error) {
	var chainID hexutil.Big
	if err := s.rpc.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
		return ledger.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	var blockNumber hexutil.Uint64
	if err := s.rpc.CallContext(ctx, &blockNumber, "eth_blockNumber"); err != nil {
		return ledger.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return ledger.ChainSnapshot{
		ChainID:     chainID.String(),
		BlockNumber: fmt.Sprintf("0x%x", uint64(blockNumber)),
		Notes:       s.notes,
	}, nil
}

// Close releases the underlying RPC connection.
func (s *Submitter) Close() {
	if s.closeRPC != nil {
		s.closeRPC()
		s.closeRPC = nil
	}
}

// txReceipt is the subset of the RPC receipt the poller needs.
type txReceipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	Status      hexutil.Uint64 `json:"status"`
}
