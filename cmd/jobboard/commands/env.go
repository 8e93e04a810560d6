package commands

import (
	"bufio"
	"context"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/jobboard/am"
	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/chain/ethgateway"
	"github.com/teranos/jobboard/chat"
	"github.com/teranos/jobboard/devchain"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
	"github.com/teranos/jobboard/logger"
	"github.com/teranos/jobboard/textstore"
)

var (
	devchainPath string
	accountFlag  string
	assumeYes    bool
)

// AddGlobalFlags registers the chain selection flags on root.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&devchainPath, "devchain", "", "Use the SQLite reference chain at this path instead of RPC")
	root.PersistentFlags().StringVar(&accountFlag, "account", "", "Account to act as on the devchain")
	root.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Sign transactions without prompting")
}

// stdin is shared by transaction prompts and chat input.
var (
	stdinOnce sync.Once
	stdin     *bufio.Scanner
)

// promptLine supplies transaction prompt answers. job watch points it at
// its own line loop.
var promptLine = readLine

func readLine() (string, bool) {
	stdinOnce.Do(func() { stdin = bufio.NewScanner(os.Stdin) })
	if !stdin.Scan() {
		return "", false
	}
	return stdin.Text(), true
}

func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if devchainPath != "" {
		cfg.Chain.DevchainPath = devchainPath
	}
	if accountFlag != "" {
		if !common.IsHexAddress(accountFlag) {
			return nil, errors.NewInvalidRequestError("--account is not a hex address: %q", accountFlag)
		}
		cfg.Chain.Account = accountFlag
	}
	return cfg, nil
}

// env is everything a chain command needs, closed together.
type env struct {
	cfg     *am.Config
	gateway chain.Gateway
	store   *textstore.Pinata
	logger  *zap.SugaredLogger
	closers []func()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger.Logger}

	if cfg.UsesDevchain() {
		dc, err := devchain.Open(cfg.Chain.DevchainPath, logger.ComponentLogger("devchain"),
			devchain.WithCooldown(cfg.RefundCooldown()))
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() { dc.Close() })
		e.gateway = dc.Gateway(common.HexToAddress(cfg.Chain.Account), approver())
	} else {
		gcfg := ethgateway.Config{
			RPCURL:          cfg.Chain.RPCURL,
			ContractAddress: common.HexToAddress(cfg.Chain.ContractAddress),
			PrivateKey:      cfg.Chain.PrivateKey,
			Approve:         approver(),
		}
		if cfg.Chain.ChainID > 0 {
			gcfg.ChainID = big.NewInt(cfg.Chain.ChainID)
		}
		gw, err := ethgateway.Dial(ctx, gcfg, logger.ComponentLogger("chain"))
		if err != nil {
			return nil, err
		}
		e.gateway = gw
	}
	e.closers = append(e.closers, e.gateway.Close)

	e.store = textstore.NewPinata(textstore.Config{
		JWT:        cfg.IPFS.PinataJWT,
		GatewayURL: cfg.IPFS.GatewayURL,
		Timeout:    cfg.IPFSTimeout(),
	}, nil, logger.ComponentLogger("textstore"))
	return e, nil
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *env) descriptions() *textstore.Cache {
	return textstore.NewCache(e.store)
}

func (e *env) chatConfig() chat.Config {
	return chat.Config{
		RelayURL:          e.cfg.Chat.RelayURL,
		ReconnectAttempts: e.cfg.Chat.ReconnectAttempts,
		ReconnectBackoff:  e.cfg.ReconnectBackoff(),
	}
}

// approver stands in for a wallet prompt on the terminal.
func approver() chain.Approver {
	if assumeYes {
		return chain.AutoApprove
	}
	return func(ctx context.Context, req chain.TxRequest) error {
		value := ""
		if req.Value != nil && req.Value.Sign() > 0 {
			value = " sending " + job.FormatEther(req.Value) + " ETH"
		}
		fmt.Printf("Sign %s for job %d as %s%s? [y/N] ", req.Method, req.JobID, job.ShortAddress(req.From), value)
		answer, ok := promptLine()
		if !ok {
			return errors.New("no answer")
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return nil
		default:
			return errors.New("declined")
		}
	}
}

func parseJobID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.NewInvalidRequestError("job id must be a positive integer, got %q", arg)
	}
	return id, nil
}
