package liquidation_test

import (
	"PerpKeeper/internal/liquidation"
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want liquidation.ResultKind
	}{
		{"success", nil, liquidation.ResultSuccess},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), liquidation.ResultTransient},
		{"reset", fmt.Errorf("post: %w", syscall.ECONNRESET), liquidation.ResultTransient},
		{"eof", fmt.Errorf("post: %w", io.EOF), liquidation.ResultTransient},
		{"throttled", errors.New("HTTP 429 Too Many Requests"), liquidation.ResultTransient},
		{"blockhash", errors.New("Blockhash not found"), liquidation.ResultTransient},
		{"expired", errors.New("block height exceeded"), liquidation.ResultTransient},
		{"cancelled", context.Canceled, liquidation.ResultPermanent},
		{"program error", errors.New("custom program error: 0x1502"), liquidation.ResultPermanent},
		{"insufficient funds", errors.New("insufficient funds for fee"), liquidation.ResultPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, liquidation.Classify(solana.Signature{}, tt.err).Kind)
		})
	}
}

func TestRetryPolicy_LinearBackoff(t *testing.T) {
	p := liquidation.RetryPolicy{MaxRetries: 2, Backoff: 200 * time.Millisecond}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
}
