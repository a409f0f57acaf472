// Package integrity sequences Play Integrity style token requests and
// reports a human-readable status line after every step.
//
// Two flows are provided:
//
//   - the simple flow requests a classic token bound to a nonce;
//   - the dependent (standard) flow prepares a token provider first and
//     then requests a token bound to a request hash through it.
//
// Every step follows the same policy: a provider error ends the flow in
// StateFailed, a successful step without payload ends it in
// StateEmptyResult, and a token is forwarded to the Verifier before the
// flow ends in StateCompleted. Nothing is retried.
//
// # Basic Usage
//
//	orch, err := integrity.NewOrchestrator(integrity.Config{
//	    Manager:            fakeProvider,
//	    StandardManager:    fakeProvider,
//	    Nonces:             nonce.Deterministic{},
//	    NonceSeed:          42,
//	    Verifier:           localVerifier,
//	    Status:             status.NewLog(status.Config{}),
//	    CloudProjectNumber: 0, // project linked in the Play Console
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	outcome := orch.RunSimpleFlow(ctx)
//	handle := orch.StartDependentFlow(ctx, "2cp24z...")
//
// # Subpackages
//
//   - provider: in-process fake integrity provider
//   - token: codec for the sample's classic (JWT) and standard (CBOR) tokens
//   - verifier: local, HTTP and Google Play verifiers plus the fake server
//   - replay: one-time use guards for verified tokens (memory and Redis)
//   - nonce: deterministic nonce generation
//   - status: append-only status log
package integrity
