package balance

import (
	"context"
	"errors"
	"sync"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/amount"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/pkg/logger"
	"github.com/yuki402/agent/pkg/metrics"
)

// Asset labels for failure metrics.
const (
	assetNative = "native"
	assetToken  = "token"
)

// ValidAddress reports whether s is a base58 Solana public key.
func ValidAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

// Service turns raw balances into display strings. Lookup failures are
// logged and shown as "0"; they never reach the caller.
type Service struct {
	querier     Querier
	mint        string
	tokenSymbol string
	logger      *logger.Logger
}

// NewService creates a balance service for the given token mint.
func NewService(q Querier, mint, tokenSymbol string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{querier: q, mint: mint, tokenSymbol: tokenSymbol, logger: log}
}

// Lookup returns display balances for address.
func (s *Service) Lookup(ctx context.Context, address string) model.BalanceResponse {
	resp := model.BalanceResponse{Address: address, TokenSymbol: s.tokenSymbol}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp.Native = s.native(ctx, address)
	}()
	go func() {
		defer wg.Done()
		resp.Token = s.token(ctx, address)
	}()
	wg.Wait()

	return resp
}

func (s *Service) native(ctx context.Context, address string) string {
	lamports, err := s.querier.NativeBalance(ctx, address)
	if err != nil {
		s.failed(assetNative, address, err)
		return "0"
	}
	raw, err := amount.FromUint64(lamports)
	if err != nil {
		s.failed(assetNative, address, err)
		return "0"
	}
	return amount.OrZero(amount.FormatNative(raw, amount.NativeDecimals))
}

func (s *Service) token(ctx context.Context, address string) string {
	if s.mint == "" {
		return "0"
	}
	ta, err := s.querier.TokenBalance(ctx, address, s.mint)
	if err != nil {
		s.failed(assetToken, address, err)
		return "0"
	}
	raw, err := amount.FromUint64(ta.Raw)
	if err != nil {
		s.failed(assetToken, address, err)
		return "0"
	}
	return amount.OrZero(amount.FormatBaseUnits(raw, ta.Decimals))
}

func (s *Service) failed(asset, address string, err error) {
	kind := KindFormat
	var qe *QueryError
	if errors.As(err, &qe) {
		kind = qe.Kind
	}
	metrics.RecordBalanceFailure(asset, string(kind))

	// A wallet without a token account simply holds none.
	if kind == KindNotFound {
		s.logger.Debug("balance not found", zap.String("asset", asset), zap.String("address", address))
		return
	}
	s.logger.Warn("balance query failed",
		zap.String("asset", asset),
		zap.String("address", address),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
}
