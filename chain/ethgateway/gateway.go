// Package ethgateway implements chain.Gateway against a deployed JobBoard
// contract over JSON-RPC.
package ethgateway

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
)

//go:embed jobboard.abi.json
var abiJSON string

// ParseABI parses the embedded JobBoard ABI.
func ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, errors.Wrap(err, "parse JobBoard ABI")
	}
	return parsed, nil
}

// Config selects the node, the contract and the signer.
type Config struct {
	RPCURL          string
	ContractAddress common.Address
	// ChainID is read from the node when nil.
	ChainID *big.Int
	// PrivateKey is hex; empty gives a read-only gateway.
	PrivateKey string
	Approve    chain.Approver
}

// Gateway talks to the JobBoard contract through an ethclient.
type Gateway struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	key      *ecdsa.PrivateKey
	account  common.Address
	chainID  *big.Int
	approve  chain.Approver
	logger   *zap.SugaredLogger
}

var (
	_ chain.Gateway     = (*Gateway)(nil)
	_ chain.EscrowClock = (*Gateway)(nil)
)

// Dial connects to the node and verifies it answers.
func Dial(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("contract address not configured"),
			"set chain.contract_address in am.toml or JOBBOARD_CHAIN_CONTRACT_ADDRESS")
	}

	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}

	var key *ecdsa.PrivateKey
	var account common.Address
	if cfg.PrivateKey != "" {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "private key is not valid hex")
		}
		account = crypto.PubkeyToAddress(key.PublicKey)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, markUnavailable(err, "dial "+cfg.RPCURL)
	}

	chainID := cfg.ChainID
	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.WithHint(markUnavailable(err, "chain id"), "is the node running at "+cfg.RPCURL+"?")
	}
	if chainID == nil {
		chainID = remoteID
	} else if chainID.Cmp(remoteID) != 0 {
		client.Close()
		return nil, errors.NewInvalidRequestError("node reports chain id %s, configured %s", remoteID, chainID)
	}

	approve := cfg.Approve
	if approve == nil {
		approve = chain.AutoApprove
	}

	logger.Infow("Connected to chain",
		"url", cfg.RPCURL,
		"contract", cfg.ContractAddress.Hex(),
		"chain_id", chainID.String(),
		"address", account.Hex())

	return &Gateway{
		client:   client,
		contract: bind.NewBoundContract(cfg.ContractAddress, parsed, client, client, client),
		abi:      parsed,
		address:  cfg.ContractAddress,
		key:      key,
		account:  account,
		chainID:  chainID,
		approve:  approve,
		logger:   logger,
	}, nil
}

// Account returns the signing address, zero when read-only.
func (g *Gateway) Account() common.Address { return g.account }

// Close releases the RPC connection.
func (g *Gateway) Close() { g.client.Close() }

func (g *Gateway) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) JobCount(ctx context.Context) (uint64, error) {
	out, err := g.call(ctx, "getJobCount")
	if err != nil {
		return 0, markUnavailable(err, "getJobCount")
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int).Uint64(), nil
}

func (g *Gateway) Job(ctx context.Context, id uint64) (*chain.JobRecord, error) {
	if id == 0 {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	out, err := g.call(ctx, "getJob", new(big.Int).SetUint64(id))
	if err != nil {
		// The contract rejects ids it never issued
		if isRevert(err) {
			return nil, errors.NewNotFoundError("job %d", id)
		}
		return nil, markUnavailable(err, "getJob")
	}
	if len(out) != 7 {
		return nil, errors.AssertionFailedf("getJob returned %d values", len(out))
	}

	rec := &chain.JobRecord{
		ID:             abi.ConvertType(out[0], new(big.Int)).(*big.Int).Uint64(),
		Employer:       *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Freelancer:     *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		Title:          *abi.ConvertType(out[3], new(string)).(*string),
		DescriptionRef: *abi.ConvertType(out[4], new(string)).(*string),
		Budget:         abi.ConvertType(out[5], new(big.Int)).(*big.Int),
		Status:         job.StatusFromUint(uint64(*abi.ConvertType(out[6], new(uint8)).(*uint8))),
	}
	if rec.Employer == (common.Address{}) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	return rec, nil
}

func (g *Gateway) EscrowAmount(ctx context.Context, id uint64) (*big.Int, error) {
	out, err := g.call(ctx, "getEscrowAmount", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, markUnavailable(err, "getEscrowAmount")
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// EscrowedAt returns the block time of the job's latest PaymentEscrowed log.
func (g *Gateway) EscrowedAt(ctx context.Context, id uint64) (time.Time, bool, error) {
	logs, err := g.client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{g.address},
		Topics: [][]common.Hash{
			{g.abi.Events[string(chain.EventPaymentEscrowed)].ID},
			{common.BigToHash(new(big.Int).SetUint64(id))},
		},
	})
	if err != nil {
		return time.Time{}, false, markUnavailable(err, "filter PaymentEscrowed")
	}
	if len(logs) == 0 {
		return time.Time{}, false, nil
	}
	last := logs[len(logs)-1]
	header, err := g.client.HeaderByNumber(ctx, new(big.Int).SetUint64(last.BlockNumber))
	if err != nil {
		return time.Time{}, false, markUnavailable(err, "block header")
	}
	return time.Unix(int64(header.Time), 0), true, nil
}

func (g *Gateway) PostJob(ctx context.Context, title, descriptionRef string, budget *big.Int) (chain.PendingTx, error) {
	return g.transact(ctx, "postJob", 0, nil, title, descriptionRef, budget)
}

func (g *Gateway) EscrowFunds(ctx context.Context, id uint64, amount *big.Int) (chain.PendingTx, error) {
	return g.transact(ctx, "escrowFunds", id, amount, new(big.Int).SetUint64(id))
}

func (g *Gateway) ApplyForJob(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.transact(ctx, "applyForJob", id, nil, new(big.Int).SetUint64(id))
}

func (g *Gateway) MarkWorkDone(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.transact(ctx, "markWorkDone", id, nil, new(big.Int).SetUint64(id))
}

func (g *Gateway) ReleasePayment(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.transact(ctx, "releasePayment", id, nil, new(big.Int).SetUint64(id))
}

func (g *Gateway) RefundEmployer(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.transact(ctx, "refundEmployer", id, nil, new(big.Int).SetUint64(id))
}

func (g *Gateway) RaiseDispute(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.transact(ctx, "raiseDispute", id, nil, new(big.Int).SetUint64(id))
}

func (g *Gateway) transact(ctx context.Context, method string, id uint64, value *big.Int, args ...interface{}) (chain.PendingTx, error) {
	if g.key == nil {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("%s needs a signer", method),
			"set JOBBOARD_CHAIN_PRIVATE_KEY")
	}
	if err := g.approve(ctx, chain.TxRequest{From: g.account, Method: method, JobID: id, Value: value}); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s declined", method), errors.ErrTransactionRejected)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(g.key, g.chainID)
	if err != nil {
		return nil, errors.Wrap(err, "build transactor")
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := g.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, mapSendError(err, method)
	}

	g.logger.Infow("Transaction sent",
		"action", method,
		"job_id", id,
		"tx_hash", tx.Hash().Hex())
	return &pendingTx{gateway: g, tx: tx, method: method}, nil
}

type pendingTx struct {
	gateway *Gateway
	tx      *types.Transaction
	method  string
}

func (p *pendingTx) Hash() common.Hash { return p.tx.Hash() }

// Wait has no timeout of its own; only ctx bounds it.
func (p *pendingTx) Wait(ctx context.Context) (*chain.Receipt, error) {
	g := p.gateway
	receipt, err := bind.WaitMined(ctx, g.client, p.tx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "wait for "+p.method)
		}
		return nil, markUnavailable(err, "wait for "+p.method)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		reason := g.revertReason(ctx, p.tx, receipt)
		g.logger.Infow("Transaction reverted",
			"action", p.method,
			"tx_hash", p.tx.Hash().Hex(),
			"reason", reason)
		return nil, errors.NewReverted(reason)
	}

	out := &chain.Receipt{TxHash: receipt.TxHash, BlockNumber: receipt.BlockNumber.Uint64()}
	for _, l := range receipt.Logs {
		if ev, ok := decodeLog(g.abi, *l); ok && ev.Kind == chain.EventJobPosted {
			out.JobID = ev.JobID
		}
	}
	return out, nil
}

// revertReason replays the call against the parent block to recover the message.
func (g *Gateway) revertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		From:  g.account,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	parent := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	if _, err := g.client.CallContract(ctx, msg, parent); err != nil {
		if reason, ok := unpackRevert(err); ok {
			return reason
		}
		return err.Error()
	}
	return ""
}
