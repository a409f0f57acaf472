package integrity

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// FlowState is the position of a flow in its state machine.
type FlowState int

// Flow states. Failed, EmptyResult and Completed are terminal.
const (
	StateIdle FlowState = iota
	StateRequesting
	StateFailed
	StateEmptyResult
	StateCompleted
)

func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRequesting:
		return "Requesting"
	case StateFailed:
		return "Failed"
	case StateEmptyResult:
		return "EmptyResult"
	case StateCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("FlowState(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen from s.
func (s FlowState) Terminal() bool {
	return s == StateFailed || s == StateEmptyResult || s == StateCompleted
}

// Outcome is the terminal result of a flow.
type Outcome struct {
	// FlowID identifies the flow in logs.
	FlowID string

	// State is always terminal.
	State FlowState

	// Error is the provider code that failed the flow, if any.
	Error ErrorCode

	// Token is set when the flow obtained a token.
	Token string

	// Verdict is the verifier's answer for Token.
	Verdict *Verdict

	// VerifyErr is set when the verifier could not be reached or
	// rejected the token as malformed.
	VerifyErr error
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	// Manager serves the simple flow. Optional if StandardManager is set.
	Manager Manager

	// StandardManager serves the dependent flow. Optional if Manager is set.
	StandardManager StandardManager

	// Nonces generates the nonce of the simple flow (required with Manager).
	Nonces NonceSource

	// NonceSeed is passed to Nonces for every simple flow.
	NonceSeed int64

	// Verifier receives every token obtained (required).
	Verifier Verifier

	// Status receives the status lines (required).
	Status StatusSink

	// CloudProjectNumber is sent with every request. It has no default:
	// zero selects the project linked in the Play Console and must be
	// chosen explicitly by the caller.
	CloudProjectNumber int64

	// Logger is optional; flows are not logged when nil.
	Logger *slog.Logger
}

// Orchestrator sequences provider calls and reports every transition.
// It is safe to run any number of flows concurrently.
type Orchestrator struct {
	manager         Manager
	standardManager StandardManager
	nonces          NonceSource
	nonceSeed       int64
	verifier        Verifier
	status          StatusSink
	projectNumber   int64
	logger          *slog.Logger
}

// NewOrchestrator validates cfg and returns an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Manager == nil && cfg.StandardManager == nil {
		return nil, fmt.Errorf("%w: at least one manager is required", ErrMissingDependency)
	}
	if cfg.Manager != nil && cfg.Nonces == nil {
		return nil, fmt.Errorf("%w: nonce source is required", ErrMissingDependency)
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: verifier is required", ErrMissingDependency)
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("%w: status sink is required", ErrMissingDependency)
	}
	if cfg.CloudProjectNumber < 0 {
		return nil, ErrInvalidProjectNum
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Orchestrator{
		manager:         cfg.Manager,
		standardManager: cfg.StandardManager,
		nonces:          cfg.Nonces,
		nonceSeed:       cfg.NonceSeed,
		verifier:        cfg.Verifier,
		status:          cfg.Status,
		projectNumber:   cfg.CloudProjectNumber,
		logger:          logger,
	}, nil
}

// StartSimpleFlow runs RunSimpleFlow in its own goroutine and returns
// the handle its outcome is delivered on.
func (o *Orchestrator) StartSimpleFlow(ctx context.Context) *Operation[Outcome] {
	return o.start(func() Outcome { return o.RunSimpleFlow(ctx) })
}

// StartDependentFlow runs RunDependentFlow in its own goroutine.
func (o *Orchestrator) StartDependentFlow(ctx context.Context, requestHash string) *Operation[Outcome] {
	return o.start(func() Outcome { return o.RunDependentFlow(ctx, requestHash) })
}

func (o *Orchestrator) start(run func() Outcome) *Operation[Outcome] {
	op := NewOperation[Outcome]()
	go func() {
		op.Resolve(run())
	}()
	return op
}

// RunSimpleFlow requests a classic token with a generated nonce and
// forwards it to the verifier.
func (o *Orchestrator) RunSimpleFlow(ctx context.Context) Outcome {
	f := o.newFlow("simple")
	f.report("Start RequestIntegrityToken flow")

	if o.manager == nil {
		f.report("RequestIntegrityToken flow is not configured")
		return f.finish(StateFailed)
	}

	nonce := o.nonces.GenerateNonce(o.nonceSeed)
	f.report("Nonce = " + nonce)
	if nonce == "" {
		f.out.Error = NonceTooShort
		f.report("Nonce is empty, not requesting a token")
		return f.finish(StateFailed)
	}
	f.report(fmt.Sprintf("CloudProjectNumber = %d", o.projectNumber))

	f.enter(StateRequesting)
	op := o.manager.RequestIntegrityToken(ctx, TokenRequest{
		Nonce:              nonce,
		CloudProjectNumber: o.projectNumber,
	})
	resp, ok := await(ctx, f, "IntegrityAsyncOperation", op)
	if !ok {
		return f.finish(StateFailed)
	}

	return o.finishWithToken(ctx, f, "IntegrityAsyncOperation", resp)
}

// RunDependentFlow prepares a token provider and requests a standard token
// bound to requestHash through it.
func (o *Orchestrator) RunDependentFlow(ctx context.Context, requestHash string) Outcome {
	f := o.newFlow("standard")
	f.report("Start RequestStandardIntegrityToken flow")

	if o.standardManager == nil {
		f.report("RequestStandardIntegrityToken flow is not configured")
		return f.finish(StateFailed)
	}

	f.report(fmt.Sprintf("CloudProjectNumber = %d", o.projectNumber))

	f.enter(StateRequesting)
	prepareOp := o.standardManager.PrepareIntegrityToken(ctx, PrepareTokenRequest{
		CloudProjectNumber: o.projectNumber,
	})
	provider, ok := await(ctx, f, "PrepareIntegrityTokenAsyncOperation", prepareOp)
	if !ok {
		return f.finish(StateFailed)
	}
	if provider == nil {
		f.report("PrepareIntegrityTokenAsyncOperation succeeded, but token provider is null.")
		return f.finish(StateEmptyResult)
	}

	f.logger.Debug("token provider prepared")
	requestOp := provider.Request(ctx, StandardTokenRequest{RequestHash: requestHash})
	resp, ok := await(ctx, f, "StandardIntegrityTokenAsyncOperation", requestOp)
	if !ok {
		return f.finish(StateFailed)
	}

	return o.finishWithToken(ctx, f, "StandardIntegrityAsyncOperation", resp)
}

func (o *Orchestrator) finishWithToken(ctx context.Context, f *flow, label string, resp TokenResponse) Outcome {
	if resp.Token == nil {
		f.report(label + " succeeded, but token is null.")
		return f.finish(StateEmptyResult)
	}

	token := *resp.Token
	f.out.Token = token
	f.report(label + " succeeded with token: " + token)

	verdict, err := o.verifier.DecryptAndVerify(ctx, token)
	if err != nil {
		f.out.VerifyErr = err
		f.report("Decryption failed: " + err.Error())
		return f.finish(StateCompleted)
	}

	f.out.Verdict = verdict
	f.report("Decryption response: " + verdict.String())
	return f.finish(StateCompleted)
}

// await suspends the flow until op completes and reports provider errors.
// It returns false when the flow must stop.
func await[T any](ctx context.Context, f *flow, label string, op *Operation[T]) (T, bool) {
	var zero T
	if op == nil {
		f.out.Error = InternalError
		f.report(label + " failed with error: " + InternalError.String())
		return zero, false
	}

	if err := op.Await(ctx); err != nil {
		f.out.Error = ClientTransientError
		f.report(label + " interrupted: " + err.Error())
		return zero, false
	}

	if code := op.Error(); code != NoError {
		f.out.Error = code
		f.report(label + " failed with error: " + code.String())
		return zero, false
	}

	result, err := op.Result()
	if err != nil {
		f.out.Error = InternalError
		f.report(label + " failed: " + err.Error())
		return zero, false
	}
	return result, true
}

type flow struct {
	status StatusSink
	logger *slog.Logger
	out    Outcome
}

func (o *Orchestrator) newFlow(kind string) *flow {
	id := uuid.NewString()
	return &flow{
		status: o.status,
		logger: o.logger.With(slog.String("flow_id", id), slog.String("flow", kind)),
		out:    Outcome{FlowID: id, State: StateIdle},
	}
}

func (f *flow) report(line string) {
	f.status.Append(line)
	f.logger.Info(line, slog.String("state", f.out.State.String()))
}

func (f *flow) enter(state FlowState) {
	f.logger.Debug("flow transition", slog.String("from", f.out.State.String()), slog.String("to", state.String()))
	f.out.State = state
}

func (f *flow) finish(state FlowState) Outcome {
	f.enter(state)
	return f.out
}
