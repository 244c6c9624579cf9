package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wallet       = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	mint         = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	tokenAccount = "So11111111111111111111111111111111111111112"
)

func rpcServer(t *testing.T, handle func(method string, params []json.RawMessage) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,%s}`, req.ID, handle(req.Method, req.Params))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func tokenResult(amount string, decimals int) string {
	return fmt.Sprintf(`"result":{"context":{"slot":1},"value":[{"pubkey":%q,"account":{"lamports":2039280,"owner":"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA","executable":false,"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":%q,"owner":%q,"tokenAmount":{"amount":%q,"decimals":%d}}},"space":165}}}]}`,
		tokenAccount, mint, wallet, amount, decimals)
}

func TestRPCClientNativeBalance(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) string {
		assert.Equal(t, "getBalance", method)
		if assert.Len(t, params, 2) {
			assert.JSONEq(t, `"`+wallet+`"`, string(params[0]))
		}
		return `"result":{"context":{"slot":1},"value":1234567890}`
	})

	v, err := NewRPCClient(srv.URL, nil).NativeBalance(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567890), v)
}

func TestRPCClientTokenBalance(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) string {
		assert.Equal(t, "getTokenAccountsByOwner", method)
		if assert.Len(t, params, 3) {
			assert.JSONEq(t, `{"mint":"`+mint+`"}`, string(params[1]))
			assert.Contains(t, string(params[2]), "jsonParsed")
		}
		return tokenResult("1500000000000", 9)
	})

	ta, err := NewRPCClient(srv.URL, nil).TokenBalance(context.Background(), wallet, mint)
	require.NoError(t, err)
	assert.Equal(t, TokenAmount{Raw: 1500000000000, Decimals: 9}, ta)
}

func TestRPCClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		result string
		kind   Kind
	}{
		{"rpc error", `"error":{"code":-32602,"message":"Invalid param: WrongSize"}`, KindRPC},
		{"no accounts", `"result":{"context":{"slot":1},"value":[]}`, KindNotFound},
		{"bad amount", tokenResult("abc", 9), KindFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := rpcServer(t, func(string, []json.RawMessage) string { return tt.result })
			_, err := NewRPCClient(srv.URL, nil).TokenBalance(context.Background(), wallet, mint)

			var qe *QueryError
			require.True(t, errors.As(err, &qe))
			assert.Equal(t, tt.kind, qe.Kind)
		})
	}
}

func TestRPCClientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRPCClient(srv.URL, nil).NativeBalance(context.Background(), wallet)
	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, KindNetwork, qe.Kind)
}

type fakeQuerier struct {
	native    uint64
	nativeErr error
	token     TokenAmount
	tokenErr  error
}

func (f fakeQuerier) NativeBalance(context.Context, string) (uint64, error) {
	return f.native, f.nativeErr
}

func (f fakeQuerier) TokenBalance(context.Context, string, string) (TokenAmount, error) {
	return f.token, f.tokenErr
}

func TestServiceFormatsBalances(t *testing.T) {
	svc := NewService(fakeQuerier{
		native: 12345678900000000,
		token:  TokenAmount{Raw: 123999999, Decimals: 9},
	}, mint, "YUKI", nil)

	resp := svc.Lookup(context.Background(), wallet)
	assert.Equal(t, wallet, resp.Address)
	assert.Equal(t, "12,345,678.9", resp.Native)
	assert.Equal(t, "0.12", resp.Token)
	assert.Equal(t, "YUKI", resp.TokenSymbol)
}

func TestServiceRecoversFailuresToZero(t *testing.T) {
	svc := NewService(fakeQuerier{
		nativeErr: &QueryError{Kind: KindNetwork, Method: "getBalance", Err: errors.New("connection refused")},
		tokenErr:  &QueryError{Kind: KindNotFound, Method: "getTokenAccountsByOwner", Err: errors.New("no account")},
	}, mint, "YUKI", nil)

	resp := svc.Lookup(context.Background(), wallet)
	assert.Equal(t, "0", resp.Native)
	assert.Equal(t, "0", resp.Token)
}

func TestServiceOverflowDisplaysZero(t *testing.T) {
	svc := NewService(fakeQuerier{native: 1 << 63}, "", "YUKI", nil)
	resp := svc.Lookup(context.Background(), wallet)
	assert.Equal(t, "0", resp.Native)
	assert.Equal(t, "0", resp.Token, "no mint configured")
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress(wallet))
	assert.True(t, ValidAddress(mint))
	assert.True(t, ValidAddress("11111111111111111111111111111111"))
	assert.False(t, ValidAddress("YUKITokenMintAddress11111111111111111111111"), "I is outside the base58 alphabet")
	assert.False(t, ValidAddress("short"))
	assert.False(t, ValidAddress("0OIl"+wallet[4:]))
	assert.False(t, ValidAddress(strings.Repeat("z", 44)), "decodes to more than 32 bytes")
}

func TestRPCClientRejectsMalformedKeys(t *testing.T) {
	c := NewRPCClient("http://127.0.0.1:0", nil)

	_, err := c.NativeBalance(context.Background(), strings.Repeat("z", 44))
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, KindFormat, qe.Kind)

	_, err = c.TokenBalance(context.Background(), wallet, "not-a-mint")
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, KindFormat, qe.Kind)
}
