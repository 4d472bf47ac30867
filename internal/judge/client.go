// internal/judge/client.go
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/credentials"
)

// CredentialPool is the part of the credential rotator the client drives.
type CredentialPool interface {
	Acquire() (*credentials.Credential, error)
	RecordSuccess(c *credentials.Credential) error
	RecordQuotaError(c *credentials.Credential) error
}

// Outcome is the result of one judge call.
type Outcome struct {
	Raw        string
	Verdict    schemas.Verdict
	Credential string
	// Rotations counts credentials abandoned because of quota rejections.
	Rotations int
	Duration  time.Duration
}

// ProposedAction is one follow-up action suggested by the judge.
type ProposedAction struct {
	ElementID string             `json:"element_id"`
	Action    schemas.ActionKind `json:"action"`
	Text      string             `json:"text"`
}

// Proposal is the parsed reply of the action-proposal protocol.
type Proposal struct {
	Actions []ProposedAction `json:"actions"`
	Note    string           `json:"note"`
}

// Client sends judge requests through the credential pool.
type Client struct {
	transport  Transport
	pool       CredentialPool
	limiter    *rate.Limiter
	expectJSON bool
	logger     *zap.Logger
}

// Options configures a Client.
type Options struct {
	// RateLimit caps calls per second. Zero disables pacing.
	RateLimit  float64
	ExpectJSON bool
}

// NewClient initializes the client.
func NewClient(transport Transport, pool CredentialPool, opts Options, logger *zap.Logger) *Client {
	c := &Client{
		transport:  transport,
		pool:       pool,
		expectJSON: opts.ExpectJSON,
		logger:     logger.Named("judge"),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return c
}

// Judge sends req and parses the reply into a Verdict. Quota rejections rotate to the
// next credential; the returned error wraps credentials.ErrPoolExhausted once none is left.
// An unparseable reply is not an error.
func (c *Client) Judge(ctx context.Context, req Request) (*Outcome, error) {
	out, err := c.call(ctx, req)
	if err != nil {
		return out, err
	}
	out.Verdict = ParseVerdict(out.Raw, c.expectJSON)
	if out.Verdict.Status == schemas.VerdictUnparseable {
		c.logger.Warn("Judge reply did not match the grammar.", zap.String("reply", truncate(out.Raw, 200)))
	}
	return out, nil
}

// Propose runs the strict-JSON action-proposal protocol. Transport and decode failures
// degrade to an empty action set with an explanatory note; only pool exhaustion and
// context cancellation are returned as errors.
func (c *Client) Propose(ctx context.Context, req Request) (Proposal, error) {
	out, err := c.call(ctx, req)
	if err != nil {
		if errors.Is(err, credentials.ErrPoolExhausted) || ctx.Err() != nil {
			return Proposal{Actions: []ProposedAction{}}, err
		}
		return Proposal{Actions: []ProposedAction{}, Note: "proposal request failed: " + err.Error()}, nil
	}
	return ParseProposal(out.Raw), nil
}

// ParseProposal decodes a proposal reply, dropping actions it cannot use.
func ParseProposal(raw string) Proposal {
	p, err := decodeObject[Proposal](raw)
	if err != nil {
		return Proposal{Actions: []ProposedAction{}, Note: "proposal reply was not valid JSON: " + err.Error()}
	}

	valid := make([]ProposedAction, 0, len(p.Actions))
	var dropped []string
	for _, a := range p.Actions {
		switch a.Action {
		case schemas.ActionClick, schemas.ActionFill, schemas.ActionSelect, schemas.ActionKey:
			if a.ElementID != "" {
				valid = append(valid, a)
				continue
			}
		}
		dropped = append(dropped, fmt.Sprintf("%s/%s", a.ElementID, a.Action))
	}
	p.Actions = valid
	if len(dropped) > 0 {
		p.Note = strings.TrimSpace(p.Note + " (dropped invalid actions: " + strings.Join(dropped, ", ") + ")")
	}
	return *p
}

// call performs one logical judge call, rotating credentials on quota rejections.
func (c *Client) call(ctx context.Context, req Request) (*Outcome, error) {
	out := &Outcome{}
	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return out, fmt.Errorf("judge rate limiter: %w", err)
			}
		}

		cred, err := c.pool.Acquire()
		if err != nil {
			return out, fmt.Errorf("judge: %w", err)
		}

		raw, err := c.transport.Send(ctx, cred.Secret, req)
		if err != nil {
			if ctx.Err() == nil && IsQuotaError(err) {
				c.logger.Warn("Judge quota rejection, rotating credential.",
					zap.String("identity", cred.Identity), zap.Error(err))
				if recErr := c.pool.RecordQuotaError(cred); recErr != nil {
					return out, fmt.Errorf("failed to record quota error: %w", recErr)
				}
				out.Rotations++
				continue
			}
			return out, fmt.Errorf("judge call with %s failed: %w", cred.Identity, err)
		}

		if err := c.pool.RecordSuccess(cred); err != nil {
			return out, fmt.Errorf("failed to record credential usage: %w", err)
		}
		out.Raw = raw
		out.Credential = cred.Identity
		return out, nil
	}
}
