package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/circlepool/circlepool/internal/config"
	cperrors "github.com/circlepool/circlepool/internal/errors"
	"github.com/circlepool/circlepool/internal/hedera"
	"github.com/circlepool/circlepool/internal/logging"
)

// circlePoolABI is the fixed, versioned return schema for every
// contract call the reconciler makes. Responses are decoded once
// against this schema and fail fast on shape mismatch.
const circlePoolABI = `[
	{"name":"getCircle","type":"function","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint256"}],
	 "outputs":[
		{"name":"payDate","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"startDate","type":"uint256"},
		{"name":"duration","type":"uint256"},
		{"name":"round","type":"uint256"},
		{"name":"cycle","type":"uint256"},
		{"name":"admin","type":"address"},
		{"name":"members","type":"address[]"},
		{"name":"loanableAmount","type":"uint256"},
		{"name":"interestPercent","type":"uint256"},
		{"name":"leftPercent","type":"uint256"}]},
	{"name":"getCircleMembers","type":"function","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint256"}],
	 "outputs":[{"name":"members","type":"address[]"}]},
	{"name":"setPayoutOrder","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"uint256"},{"name":"order","type":"address[]"}],
	 "outputs":[]},
	{"name":"checkPayDate","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"ids","type":"uint256[]"}],
	 "outputs":[]},
	{"name":"getPayments","type":"function","stateMutability":"view",
	 "inputs":[],
	 "outputs":[
		{"name":"ids","type":"uint256[]"},
		{"name":"circleIds","type":"uint256[]"},
		{"name":"receivers","type":"address[]"},
		{"name":"amounts","type":"uint256[]"},
		{"name":"timestamps","type":"uint256[]"}]}
]`

// EVMGateway implements Gateway against the Hedera JSON-RPC relay.
type EVMGateway struct {
	client         *ethclient.Client
	contract       common.Address
	abi            abi.ABI
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	limiter        *rate.Limiter
	requestTimeout time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *logging.Logger
}

// NewEVMGateway creates a gateway bound to the configured contract and
// agent key.
func NewEVMGateway(cfg *config.ChainConfig, logger *logging.Logger) (*EVMGateway, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, NewGatewayError("Dial", err, "")
	}

	parsedABI, err := abi.JSON(strings.NewReader(circlePoolABI))
	if err != nil {
		return nil, NewGatewayError("ParseABI", err, "")
	}

	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, NewGatewayError("NewEVMGateway",
			fmt.Errorf("invalid contract address: %s", cfg.ContractAddress), "")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, NewGatewayError("NewEVMGateway",
			fmt.Errorf("invalid agent private key: %w", err), "")
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}

	return &EVMGateway{
		client:         client,
		contract:       common.HexToAddress(cfg.ContractAddress),
		abi:            parsedABI,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		limiter:        rate.NewLimiter(rate.Limit(rps), rps),
		requestTimeout: cfg.RequestTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   2 * time.Second,
		logger:         logger,
	}, nil
}

// Close releases the underlying RPC connection.
func (g *EVMGateway) Close() {
	g.client.Close()
}

// GetCircle returns the authoritative on-chain state of a circle.
func (g *EVMGateway) GetCircle(ctx context.Context, id uint64) (*CircleState, error) {
	out, err := g.call(ctx, "getCircle", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 11 {
		return nil, NewGatewayError("getCircle",
			fmt.Errorf("unexpected return shape: got %d values, want 11", len(out)), "")
	}

	payDate, err := asUint256(out[0], "getCircle", "payDate")
	if err != nil {
		return nil, err
	}
	amount, err := asUint256(out[1], "getCircle", "amount")
	if err != nil {
		return nil, err
	}
	startDate, err := asUint256(out[2], "getCircle", "startDate")
	if err != nil {
		return nil, err
	}
	duration, err := asUint256(out[3], "getCircle", "duration")
	if err != nil {
		return nil, err
	}
	round, err := asUint256(out[4], "getCircle", "round")
	if err != nil {
		return nil, err
	}
	cycle, err := asUint256(out[5], "getCircle", "cycle")
	if err != nil {
		return nil, err
	}
	admin, err := asAddress(out[6], "getCircle", "admin")
	if err != nil {
		return nil, err
	}
	members, err := asAddressSlice(out[7], "getCircle", "members")
	if err != nil {
		return nil, err
	}
	loanable, err := asUint256(out[8], "getCircle", "loanableAmount")
	if err != nil {
		return nil, err
	}
	interest, err := asUint256(out[9], "getCircle", "interestPercent")
	if err != nil {
		return nil, err
	}
	left, err := asUint256(out[10], "getCircle", "leftPercent")
	if err != nil {
		return nil, err
	}

	return &CircleState{
		PayDate:         time.Unix(payDate.Int64(), 0).UTC(),
		AmountTinybar:   amount.Int64(),
		StartDate:       time.Unix(startDate.Int64(), 0).UTC(),
		DurationDays:    duration.Uint64(),
		Round:           round.Uint64(),
		Cycle:           cycle.Uint64(),
		Admin:           hedera.Canonical(admin.Hex()),
		Members:         canonicalAddresses(members),
		LoanableTinybar: loanable.Int64(),
		InterestPercent: interest.Uint64(),
		LeftPercent:     left.Uint64(),
	}, nil
}

// GetMembers returns the circle's on-chain member list.
func (g *EVMGateway) GetMembers(ctx context.Context, id uint64) ([]string, error) {
	out, err := g.call(ctx, "getCircleMembers", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, NewGatewayError("getCircleMembers",
			fmt.Errorf("unexpected return shape: got %d values, want 1", len(out)), "")
	}
	members, err := asAddressSlice(out[0], "getCircleMembers", "members")
	if err != nil {
		return nil, err
	}
	return canonicalAddresses(members), nil
}

// SetPayoutOrder commits a rotation on-chain and waits for confirmation.
func (g *EVMGateway) SetPayoutOrder(ctx context.Context, id uint64, order []string) (*Receipt, error) {
	addrs := make([]common.Address, len(order))
	for i, a := range order {
		if !common.IsHexAddress(a) {
			return nil, NewGatewayError("setPayoutOrder",
				fmt.Errorf("order entry %d is not an execution address: %s", i, a), "")
		}
		addrs[i] = common.HexToAddress(a)
	}
	return g.transact(ctx, "setPayoutOrder", new(big.Int).SetUint64(id), addrs)
}

// CheckPayDate triggers due-date processing for the given circles.
func (g *EVMGateway) CheckPayDate(ctx context.Context, ids []uint64) (*Receipt, error) {
	bigIDs := make([]*big.Int, len(ids))
	for i, id := range ids {
		bigIDs[i] = new(big.Int).SetUint64(id)
	}
	return g.transact(ctx, "checkPayDate", bigIDs)
}

// GetPayments returns the full on-chain payment log.
func (g *EVMGateway) GetPayments(ctx context.Context) ([]PaymentEntry, error) {
	out, err := g.call(ctx, "getPayments")
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, NewGatewayError("getPayments",
			fmt.Errorf("unexpected return shape: got %d values, want 5", len(out)), "")
	}

	ids, err := asUint256Slice(out[0], "getPayments", "ids")
	if err != nil {
		return nil, err
	}
	circleIDs, err := asUint256Slice(out[1], "getPayments", "circleIds")
	if err != nil {
		return nil, err
	}
	receivers, err := asAddressSlice(out[2], "getPayments", "receivers")
	if err != nil {
		return nil, err
	}
	amounts, err := asUint256Slice(out[3], "getPayments", "amounts")
	if err != nil {
		return nil, err
	}
	timestamps, err := asUint256Slice(out[4], "getPayments", "timestamps")
	if err != nil {
		return nil, err
	}

	n := len(ids)
	if len(circleIDs) != n || len(receivers) != n || len(amounts) != n || len(timestamps) != n {
		return nil, NewGatewayError("getPayments",
			fmt.Errorf("ragged payment log: ids=%d circleIds=%d receivers=%d amounts=%d timestamps=%d",
				n, len(circleIDs), len(receivers), len(amounts), len(timestamps)), "")
	}

	entries := make([]PaymentEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = PaymentEntry{
			ID:            ids[i].Uint64(),
			CircleID:      circleIDs[i].Uint64(),
			Receiver:      hedera.Canonical(receivers[i].Hex()),
			AmountTinybar: amounts[i].Int64(),
			Timestamp:     time.Unix(timestamps[i].Int64(), 0).UTC(),
		}
	}
	return entries, nil
}

// call performs a read-only contract call with rate limiting and a
// request-level timeout.
func (g *EVMGateway) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, NewGatewayError(method, err, "")
	}

	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, NewGatewayError(method, fmt.Errorf("pack: %w", err), "")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	res, err := g.client.CallContract(callCtx, ethereum.CallMsg{
		From: g.from,
		To:   &g.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, wrapCallError(method, err)
	}

	out, err := g.abi.Unpack(method, res)
	if err != nil {
		return nil, NewGatewayError(method, fmt.Errorf("decode: %w", err), "")
	}
	return out, nil
}

// transact simulates, signs, submits, and waits for a state-changing
// transaction. The simulation surfaces revert reasons before any gas is
// spent; the bounded receipt wait treats a confirmation timeout as a
// retryable failure, never as success.
func (g *EVMGateway) transact(ctx context.Context, method string, args ...interface{}) (*Receipt, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, NewGatewayError(method, err, "")
	}

	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, NewGatewayError(method, fmt.Errorf("pack: %w", err), "")
	}

	msg := ethereum.CallMsg{From: g.from, To: &g.contract, Data: data}

	// Dry-run first so a revert costs nothing and carries its reason.
	simCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	_, err = g.client.CallContract(simCtx, msg, nil)
	cancel()
	if err != nil {
		return nil, wrapCallError(method, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	nonce, err := g.client.PendingNonceAt(sendCtx, g.from)
	if err != nil {
		return nil, NewGatewayError(method, fmt.Errorf("nonce: %w", err), "")
	}
	gasPrice, err := g.client.SuggestGasPrice(sendCtx)
	if err != nil {
		return nil, NewGatewayError(method, fmt.Errorf("gas price: %w", err), "")
	}
	gasLimit, err := g.client.EstimateGas(sendCtx, msg)
	if err != nil {
		return nil, wrapCallError(method, err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &g.contract,
		Gas:      gasLimit + gasLimit/5,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return nil, NewGatewayError(method, fmt.Errorf("sign: %w", err), "")
	}

	if err := g.client.SendTransaction(sendCtx, signed); err != nil {
		return nil, NewGatewayError(method, fmt.Errorf("send: %w", err), "")
	}

	g.logger.WithFields(map[string]interface{}{
		"method": method,
		"tx":     signed.Hash().Hex(),
	}).Info("Transaction submitted")

	return g.waitReceipt(ctx, method, signed.Hash())
}

// waitReceipt polls for the transaction receipt until confirmTimeout.
func (g *EVMGateway) waitReceipt(ctx context.Context, method string, hash common.Hash) (*Receipt, error) {
	deadline := time.Now().Add(g.confirmTimeout)

	for {
		pollCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		receipt, err := g.client.TransactionReceipt(pollCtx, hash)
		cancel()

		if err == nil && receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return nil, NewGatewayError(method,
					fmt.Errorf("transaction %s reverted on-chain", hash.Hex()), "")
			}
			return &Receipt{
				TxHash:      hash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}

		if time.Now().After(deadline) {
			// The transaction may still land; never assume success. The
			// next invocation re-reads chain state and learns the truth.
			g.logger.WithFields(map[string]interface{}{
				"method": method,
				"tx":     hash.Hex(),
			}).Warn("Transaction unconfirmed before timeout")
			return nil, NewGatewayError(method,
				fmt.Errorf("confirmation timeout for %s after %s", hash.Hex(), g.confirmTimeout), "")
		}

		select {
		case <-time.After(g.pollInterval):
		case <-ctx.Done():
			return nil, NewGatewayError(method, ctx.Err(), "")
		}
	}
}

// wrapCallError decodes the revert reason, if any, and maps the
// contract's guard conditions onto the domain error taxonomy.
func wrapCallError(method string, err error) error {
	reason := revertReason(err)
	lower := strings.ToLower(reason)

	switch {
	case strings.Contains(lower, "pay date"):
		return NewGatewayError(method, cperrors.ErrPayDateNotReached, reason)
	case strings.Contains(lower, "length") || strings.Contains(lower, "order"):
		return NewGatewayError(method,
			fmt.Errorf("contract rejected payout order length: %s", reason), reason)
	default:
		return NewGatewayError(method, err, reason)
	}
}

// revertReason extracts the human-readable reason from an RPC revert
// error, or returns empty for transport failures.
func revertReason(err error) string {
	if err == nil {
		return ""
	}
	const marker = "execution reverted"
	msg := err.Error()
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return ""
	}
	reason := msg[idx+len(marker):]
	return strings.Trim(reason, ": ")
}

// IsOrderLengthRevert reports whether err is the contract's payout-order
// length guard.
func IsOrderLengthRevert(err error) bool {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return false
	}
	lower := strings.ToLower(ge.Revert)
	return strings.Contains(lower, "length") || strings.Contains(lower, "order")
}

// typed decode helpers; each failure names the call and output field

func asUint256(v interface{}, method, field string) (*big.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, NewGatewayError(method,
			fmt.Errorf("decode %s: expected uint256, got %T", field, v), "")
	}
	return b, nil
}

func asAddress(v interface{}, method, field string) (common.Address, error) {
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, NewGatewayError(method,
			fmt.Errorf("decode %s: expected address, got %T", field, v), "")
	}
	return a, nil
}

func asAddressSlice(v interface{}, method, field string) ([]common.Address, error) {
	s, ok := v.([]common.Address)
	if !ok {
		return nil, NewGatewayError(method,
			fmt.Errorf("decode %s: expected address[], got %T", field, v), "")
	}
	return s, nil
}

func asUint256Slice(v interface{}, method, field string) ([]*big.Int, error) {
	s, ok := v.([]*big.Int)
	if !ok {
		return nil, NewGatewayError(method,
			fmt.Errorf("decode %s: expected uint256[], got %T", field, v), "")
	}
	return s, nil
}

func canonicalAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = hedera.Canonical(a.Hex())
	}
	return out
}
