// Package reasoner defines the reasoning-service contract the pipeline calls
// out to, (task description, context) -> structured result, together with a
// langchaingo-backed implementation, a rate limiter and a scripted reasoner.
package reasoner
