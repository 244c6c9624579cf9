// Package balance looks up wallet balances over Solana JSON-RPC.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// DefaultRPCEndpoint is the public mainnet RPC endpoint.
const DefaultRPCEndpoint = rpc.MainNetBeta_RPC

// Kind classifies a balance query failure.
type Kind string

const (
	KindNotFound Kind = "not_found"
	KindNetwork  Kind = "network"
	KindRPC      Kind = "rpc"
	KindFormat   Kind = "format"
)

// QueryError is a failed balance lookup.
type QueryError struct {
	Kind   Kind
	Method string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Method, e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// TokenAmount is a token balance in base units.
type TokenAmount struct {
	Raw      uint64
	Decimals int
}

// Querier fetches raw balances for a wallet.
type Querier interface {
	NativeBalance(ctx context.Context, address string) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint string) (TokenAmount, error)
}

// RPCClient queries balances through a solana-go RPC client at
// confirmed commitment.
type RPCClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCClient creates a client for endpoint. A nil httpClient uses the
// solana-go default transport.
func NewRPCClient(endpoint string, httpClient *http.Client) *RPCClient {
	if endpoint == "" {
		endpoint = DefaultRPCEndpoint
	}
	var client *rpc.Client
	if httpClient != nil {
		client = rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
			HTTPClient: httpClient,
		}))
	} else {
		client = rpc.New(endpoint)
	}
	return &RPCClient{rpc: client, commitment: rpc.CommitmentConfirmed}
}

// NativeBalance returns the lamport balance of address.
func (c *RPCClient) NativeBalance(ctx context.Context, address string) (uint64, error) {
	const method = "getBalance"

	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, &QueryError{Kind: KindFormat, Method: method, Err: fmt.Errorf("address: %w", err)}
	}
	out, err := c.rpc.GetBalance(ctx, account, c.commitment)
	if err != nil {
		return 0, classify(method, err)
	}
	return out.Value, nil
}

// parsedTokenAccount is the jsonParsed layout of an SPL token account.
type parsedTokenAccount struct {
	Parsed struct {
		Info struct {
			TokenAmount struct {
				Amount   string `json:"amount"`
				Decimals int    `json:"decimals"`
			} `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

// TokenBalance returns the balance of the first token account owner holds
// for mint.
func (c *RPCClient) TokenBalance(ctx context.Context, owner, mint string) (TokenAmount, error) {
	const method = "getTokenAccountsByOwner"

	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return TokenAmount{}, &QueryError{Kind: KindFormat, Method: method, Err: fmt.Errorf("owner: %w", err)}
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return TokenAmount{}, &QueryError{Kind: KindFormat, Method: method, Err: fmt.Errorf("mint: %w", err)}
	}

	out, err := c.rpc.GetTokenAccountsByOwner(ctx, ownerKey,
		&rpc.GetTokenAccountsConfig{Mint: mintKey.ToPointer()},
		&rpc.GetTokenAccountsOpts{Commitment: c.commitment, Encoding: solana.EncodingJSONParsed},
	)
	if err != nil {
		return TokenAmount{}, classify(method, err)
	}
	if len(out.Value) == 0 {
		return TokenAmount{}, &QueryError{Kind: KindNotFound, Method: method, Err: fmt.Errorf("no token account for mint %s", mint)}
	}

	first := out.Value[0]
	if first == nil || first.Account == nil || first.Account.Data == nil {
		return TokenAmount{}, &QueryError{Kind: KindFormat, Method: method, Err: errors.New("missing account data")}
	}
	var parsed parsedTokenAccount
	if err := json.Unmarshal(first.Account.Data.GetRawJSON(), &parsed); err != nil {
		return TokenAmount{}, &QueryError{Kind: KindFormat, Method: method, Err: fmt.Errorf("decode account data: %w", err)}
	}

	ta := parsed.Parsed.Info.TokenAmount
	raw, err := strconv.ParseUint(ta.Amount, 10, 64)
	if err != nil {
		return TokenAmount{}, &QueryError{Kind: KindFormat, Method: method, Err: fmt.Errorf("parse amount %q: %w", ta.Amount, err)}
	}
	return TokenAmount{Raw: raw, Decimals: ta.Decimals}, nil
}

// classify maps a solana-go call error onto a QueryError kind. Errors the
// node reported are KindRPC; transport and status failures are KindNetwork.
func classify(method string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return &QueryError{Kind: KindRPC, Method: method, Err: fmt.Errorf("rpc error %d: %s", rpcErr.Code, rpcErr.Message)}
	}
	return &QueryError{Kind: KindNetwork, Method: method, Err: err}
}

var _ Querier = (*RPCClient)(nil)
