package retry

import "strings"

// Domain selects a default policy and error classification table.
type Domain string

const (
	DomainChainRPC Domain = "chain_rpc"
	DomainNetwork  Domain = "network"
	DomainStorage  Domain = "storage"
)

// Classifier decides whether an error is worth retrying by substring match.
// Non-retryable patterns are checked first; an error matching neither list
// is treated as retryable up to the attempt limit.
type Classifier struct {
	nonRetryable []string
	retryable    []string
}

// NewClassifier builds a classifier from explicit pattern lists, used by
// tests and by callers with unusual error surfaces.
func NewClassifier(nonRetryable, retryable []string) *Classifier {
	return &Classifier{nonRetryable: nonRetryable, retryable: retryable}
}

// ClassifierFor returns the default classification table for a domain.
func ClassifierFor(domain Domain) *Classifier {
	switch domain {
	case DomainChainRPC:
		return &Classifier{
			nonRetryable: []string{
				"insufficient funds",
				"insufficient lamports",
				"insufficient balance",
				"invalid address",
				"invalid public key",
				"execution reverted",
				"out of gas",
				"gas required exceeds allowance",
				"nonce too low",
				"invalid private key",
				"custom program error",
				"found no record of a prior credit",
				"transaction underpriced",
			},
			retryable: []string{
				"timeout",
				"timed out",
				"deadline exceeded",
				"connection refused",
				"connection reset",
				"rate limit",
				"too many requests",
				"429",
				"502",
				"503",
				"temporarily unavailable",
				"eof",
				"blockhash not found",
				"node is behind",
			},
		}
	case DomainStorage:
		return &Classifier{
			nonRetryable: []string{
				"duplicate key",
				"violates",
				"constraint",
				"record not found",
			},
			retryable: []string{
				"deadlock",
				"lock",
				"connection",
				"timeout",
				"too many connections",
			},
		}
	default:
		return &Classifier{
			nonRetryable: []string{
				"certificate",
				"unsupported protocol scheme",
			},
			retryable: []string{
				"timeout",
				"timed out",
				"connection refused",
				"connection reset",
				"temporarily unavailable",
				"eof",
			},
		}
	}
}

// Retryable reports whether err should be retried.
func (c *Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range c.nonRetryable {
		if strings.Contains(msg, pattern) {
			return false
		}
	}
	for _, pattern := range c.retryable {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	// Unknown errors get the benefit of the doubt.
	return true
}
