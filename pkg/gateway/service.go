// Package gateway runs the verification pipeline behind the submit endpoint.
//
// The order is fixed: request shape, envelope decode, field presence, MAC,
// nonce freshness, thought policy, and (only when configured) single-use
// claim. The first failing step decides the result.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/SergiuNegara/lmml/pkg/envelope"
	"github.com/SergiuNegara/lmml/pkg/httpx"
	"github.com/SergiuNegara/lmml/pkg/models"
	"github.com/SergiuNegara/lmml/pkg/replay"
	"github.com/SergiuNegara/lmml/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = telemetry.Tracer("flagkeeper/gateway")

type Opener interface {
	Decode(flag string) (envelope.Opened, error)
}

type Authenticator interface {
	Verify(expectedHex, nonce, thought string) bool
	Compute(nonce, thought string) string
}

type FreshnessChecker interface {
	CheckFreshness(nonce string, now time.Time) (replay.Freshness, error)
}

type PolicyChecker interface {
	Check(thought string) error
}

type Claimer interface {
	Claim(ctx context.Context, key string) error
}

// Observer receives one call per finished verification. Code is empty on success.
type Observer interface {
	ObserveVerification(kind, code string, d time.Duration)
	IncUncheckedNonce()
}

type Config struct {
	RewardToken string
	// VerboseErrors adds the expected MAC to bad-hmac responses. Debug only.
	VerboseErrors bool
}

type Service struct {
	Codec    Opener
	Auth     Authenticator
	Guard    FreshnessChecker
	Policy   PolicyChecker
	Claims   Claimer
	Observer Observer
	Logger   *zap.Logger
	Now      func() time.Time
	cfg      Config
}

func New(cfg Config, codec Opener, authn Authenticator, guard FreshnessChecker, policy PolicyChecker) (*Service, error) {
	if cfg.RewardToken == "" {
		return nil, errors.New("gateway: reward token is required")
	}
	if codec == nil || authn == nil || guard == nil || policy == nil {
		return nil, errors.New("gateway: codec, authenticator, guard and policy are required")
	}
	return &Service{
		Codec:  codec,
		Auth:   authn,
		Guard:  guard,
		Policy: policy,
		Logger: zap.NewNop(),
		Now:    time.Now,
		cfg:    cfg,
	}, nil
}

// Verify runs the pipeline over a raw request body.
func (s *Service) Verify(ctx context.Context, body []byte) models.Result {
	ctx, span := tracer.Start(ctx, "gateway.Verify")
	defer span.End()
	start := time.Now()
	res := s.verify(ctx, body)
	s.observe(ctx, res, time.Since(start))
	if res.OK() {
		span.SetAttributes(attribute.Bool("verification.ok", true))
	} else {
		span.SetAttributes(
			attribute.Bool("verification.ok", false),
			attribute.String("verification.kind", res.Err.Kind.String()),
			attribute.String("verification.code", res.Err.Code),
		)
		span.SetStatus(codes.Error, res.Err.Code)
	}
	return res
}

func (s *Service) verify(ctx context.Context, body []byte) models.Result {
	flag, verr := parseRequest(body)
	if verr != nil {
		return models.Failure(verr)
	}

	opened, err := s.Codec.Decode(flag)
	if err != nil {
		return models.Failure(asVerification(err, models.KindFormat, models.CodeBadBase64))
	}
	msg := opened.Message
	if msg.Nonce == "" || msg.Thought == "" {
		return models.Failure(models.Reject(models.KindRequest, models.CodeMissingNonceOrThought))
	}

	if !s.Auth.Verify(opened.MAC, msg.Nonce, msg.Thought) {
		rej := models.Reject(models.KindAuth, models.CodeBadHMAC)
		if s.cfg.VerboseErrors {
			rej = rej.With("expected", s.Auth.Compute(msg.Nonce, msg.Thought))
		}
		return models.Failure(rej)
	}

	freshness, err := s.Guard.CheckFreshness(msg.Nonce, s.Now())
	if err != nil {
		return models.Failure(asVerification(err, models.KindReplay, models.CodeStaleNonce))
	}
	if freshness == replay.FreshnessUnchecked {
		s.Logger.Warn("nonce is not a timestamp, freshness not checked", zap.Int("nonce_len", len(msg.Nonce)))
		if s.Observer != nil {
			s.Observer.IncUncheckedNonce()
		}
	}

	if err := s.Policy.Check(msg.Thought); err != nil {
		return models.Failure(asVerification(err, models.KindPolicy, models.CodeBadThoughtFormat))
	}

	if s.Claims != nil {
		if err := s.Claims.Claim(ctx, opened.MAC); err != nil {
			return models.Failure(asVerification(err, models.KindReplay, models.CodeReplayedNonce))
		}
	}
	return models.Success(s.cfg.RewardToken)
}

// parseRequest extracts the Flag member. Member names are matched exactly,
// unlike encoding/json struct decoding. Any meta member is ignored.
func parseRequest(body []byte) (string, *models.VerificationError) {
	if !json.Valid(body) {
		return "", &models.VerificationError{Kind: models.KindRequest, Code: models.CodeInvalidJSON, Detail: "request body is not valid json"}
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(body, &members); err != nil {
		// Valid JSON that is not an object has no Flag member.
		return "", models.Reject(models.KindRequest, models.CodeMissingFlag)
	}
	raw, ok := members["Flag"]
	if !ok {
		return "", models.Reject(models.KindRequest, models.CodeMissingFlag)
	}
	var flag *string
	if err := json.Unmarshal(raw, &flag); err != nil || flag == nil {
		return "", models.Reject(models.KindRequest, models.CodeMissingFlag)
	}
	return *flag, nil
}

// asVerification keeps component rejections intact and classifies anything
// else under the step's own kind and code.
func asVerification(err error, kind models.Kind, code string) *models.VerificationError {
	if e, ok := models.AsVerification(err); ok {
		return e
	}
	return models.Wrap(kind, code, err)
}

func (s *Service) observe(ctx context.Context, res models.Result, d time.Duration) {
	logger := s.Logger.With(zap.String("request_id", httpx.RequestIDFromContext(ctx)))
	if res.OK() {
		logger.Info("verification accepted", zap.Duration("duration", d))
		if s.Observer != nil {
			s.Observer.ObserveVerification("ok", "", d)
		}
		return
	}
	logger.Info("verification rejected",
		zap.String("code", res.Err.Code),
		zap.Stringer("kind", res.Err.Kind),
		zap.Duration("duration", d),
	)
	if s.Observer != nil {
		s.Observer.ObserveVerification(res.Err.Kind.String(), res.Err.Code, d)
	}
}
