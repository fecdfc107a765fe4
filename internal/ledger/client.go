package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Client is the keeper's read/write path to the ledger.
type Client interface {
	// FetchAccount returns the raw bytes of an account.
	FetchAccount(ctx context.Context, address solana.PublicKey) ([]byte, error)
	// Submit signs the instructions as one atomic transaction and sends it.
	Submit(ctx context.Context, instructions ...solana.Instruction) (solana.Signature, error)
	// Identity is the public key that signs and pays for submissions.
	Identity() solana.PublicKey
}

// RPCClient implements Client over the ledger's JSON-RPC endpoint.
type RPCClient struct {
	rpc        *rpc.Client
	signer     solana.PrivateKey
	commitment rpc.CommitmentType
}

var _ Client = (*RPCClient)(nil)

func NewRPCClient(endpoint string, signer solana.PrivateKey) *RPCClient {
	return &RPCClient{
		rpc:        rpc.New(endpoint),
		signer:     signer,
		commitment: rpc.CommitmentConfirmed,
	}
}

func (c *RPCClient) Identity() solana.PublicKey {
	return c.signer.PublicKey()
}

func (c *RPCClient) FetchAccount(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return res.Value.Data.GetBinary(), nil
}

func (c *RPCClient) Submit(ctx context.Context, instructions ...solana.Instruction) (solana.Signature, error) {
	latest, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	payer := c.signer.PublicKey()
	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key == payer {
			return &c.signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}
